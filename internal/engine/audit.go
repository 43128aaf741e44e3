package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// AuditEntry is one line of the JSONL audit trail. Every processed record
// produces exactly one entry; checkpoint-skipped records produce none.
type AuditEntry struct {
	Timestamp      string `json:"timestamp"`
	RunID          string `json:"runId,omitempty"`
	Token          string `json:"purchaseToken"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Package        string `json:"package,omitempty"`
	Product        string `json:"product,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	Mode           Mode   `json:"mode"`
	Status         Status `json:"status"`
	Attempts       int    `json:"attempts"`
	HTTPStatus     int    `json:"httpStatus,omitempty"`
	ErrorType      string `json:"errorType,omitempty"`
	Message        string `json:"message,omitempty"`
	Row            int    `json:"rowIndex"`

	// Validate-mode fields, derived from the observed subscription.
	SubscriptionState string          `json:"subscriptionState,omitempty"`
	ExpiryTime        string          `json:"expiryTime,omitempty"`
	AutoRenewEnabled  *bool           `json:"autoRenewEnabled,omitempty"`
	LatestOrderID     string          `json:"latestOrderId,omitempty"`
	EligibleForRevoke *bool           `json:"eligibleForRevoke,omitempty"`
	Response          json.RawMessage `json:"response,omitempty"`
}

// AuditLog appends entries as line-delimited JSON. Writes go straight to
// the underlying writer with no buffering, so each entry is on disk before
// the next record is processed.
type AuditLog struct {
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewAuditLog wraps an existing writer, typically a test buffer.
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{w: w, now: time.Now}
}

// OpenAuditLog creates (truncating) the audit log at path, creating parent
// directories as needed.
func OpenAuditLog(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &AuditLog{w: f, closer: f, now: time.Now}, nil
}

// Append stamps and writes one entry.
func (a *AuditLog) Append(entry AuditEntry) error {
	entry.Timestamp = a.now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := a.w.Write(line); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying file, if the log owns one.
func (a *AuditLog) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
