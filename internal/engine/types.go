package engine

import "encoding/json"

// Mode selects which remote operation a run applies.
type Mode string

// Run modes.
const (
	// ModeValidate issues a read-only state check and partitions records
	// into eligible / ineligible for revoke.
	ModeValidate Mode = "validate"

	// ModeCancel stops future renewals (the subscription stays active
	// until its current period ends).
	ModeCancel Mode = "cancel"

	// ModeRevoke terminates the subscription immediately with a prorated
	// refund. Requires a prior validate pass (see CheckRevokeGuard).
	ModeRevoke Mode = "revoke"
)

// Status classifies the outcome of processing one record.
type Status string

// Record outcomes.
const (
	StatusSuccess          Status = "success"
	StatusAlreadyDone      Status = "already_done"
	StatusTransientFailure Status = "transient_failure"
	StatusPermanentFailure Status = "permanent_failure"
	StatusDryRun           Status = "dry_run"
)

// Record is one identifier-bearing input row. Only Token is mandatory;
// secondary fields are mode-dependent. Records are immutable once read.
type Record struct {
	// Token is the purchase token, the primary identifier.
	Token string

	// SubscriptionID is the product/subscription identifier, when known.
	SubscriptionID string

	// Package is the application package the token belongs to.
	Package string

	// Product is the product identifier column, when present.
	Product string

	// OrderID is the order identifier column, when present.
	OrderID string

	// SubscriptionState carries the state observed by a prior validate
	// pass. Revoke runs refuse to start unless every record has it.
	SubscriptionState string

	// Row is the 1-based input row index, kept for the audit trail.
	Row int
}

// Subscription is the payload returned by a read-only state check.
type Subscription struct {
	State            string
	ExpiryTime       string
	AutoRenewEnabled *bool
	LatestOrderID    string

	// Raw is the full response body, attached to audit entries when
	// response logging is enabled.
	Raw json.RawMessage
}

// Result is the terminal outcome of one record's attempt sequence. It is
// never mutated after being written to the audit trail.
type Result struct {
	Status   Status
	Attempts int

	// HTTPStatus is the remote status code from the final attempt,
	// 0 when no remote response was received.
	HTTPStatus int

	// ErrorType is a coarse classification tag for reporting
	// (already_cancelled, not_found, permission, exception, other).
	ErrorType string

	// Message is the remote error message, when any.
	Message string

	// Subscription is set for successful validate calls.
	Subscription *Subscription
}

// Summary counts outcomes for a finished run. Built incrementally by the
// runner and read-only afterwards.
type Summary struct {
	// Processed counts records that reached the operation (or dry run),
	// i.e. everything not skipped by checkpoint.
	Processed int

	// Skipped counts records skipped because their token was already in
	// the succeeded checkpoint set.
	Skipped int

	// Counts maps each terminal status to its occurrence count.
	Counts map[Status]int
}

// NewSummary returns an empty summary with all status counters present, so
// rendered summaries always show every bucket.
func NewSummary() *Summary {
	return &Summary{
		Counts: map[Status]int{
			StatusSuccess:          0,
			StatusAlreadyDone:      0,
			StatusTransientFailure: 0,
			StatusPermanentFailure: 0,
			StatusDryRun:           0,
		},
	}
}

// add records one terminal status.
func (s *Summary) add(st Status) {
	s.Processed++
	s.Counts[st]++
}
