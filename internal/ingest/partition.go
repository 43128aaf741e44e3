package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rshade/subsweep/internal/engine"
)

var eligibleHeader = []string{
	"token",
	"package",
	"product",
	"order_id",
	StateColumn,
	"expiry_time",
	"auto_renew_enabled",
	"latest_order_id",
}

var ineligibleHeader = append(append([]string{}, eligibleHeader...),
	"status",
	"http_status",
	"error_type",
	"message",
)

// Partitions writes validate-mode side outputs to two CSV files. The
// eligible file is directly consumable by a revoke run: it carries the
// subscription_state column the revoke guard requires. Rows are flushed
// as they are written so a crash loses at most the current row.
type Partitions struct {
	EligiblePath   string
	IneligiblePath string

	eligibleFile   *os.File
	ineligibleFile *os.File
	eligible       *csv.Writer
	ineligible     *csv.Writer
}

var _ engine.Partitioner = (*Partitions)(nil)

// OpenPartitions creates both output files (truncating existing ones) and
// writes their headers.
func OpenPartitions(eligiblePath, ineligiblePath string) (*Partitions, error) {
	p := &Partitions{
		EligiblePath:   eligiblePath,
		IneligiblePath: ineligiblePath,
	}

	var err error
	if p.eligibleFile, p.eligible, err = createPartition(eligiblePath, eligibleHeader); err != nil {
		return nil, err
	}
	if p.ineligibleFile, p.ineligible, err = createPartition(ineligiblePath, ineligibleHeader); err != nil {
		p.eligibleFile.Close()
		return nil, err
	}
	return p, nil
}

// WriteEligible records a token whose observed state allows a revoke.
func (p *Partitions) WriteEligible(rec engine.Record, sub *engine.Subscription) error {
	if err := p.eligible.Write(subscriptionRow(rec, sub)); err != nil {
		return fmt.Errorf("writing eligible row: %w", err)
	}
	p.eligible.Flush()
	return p.eligible.Error()
}

// WriteIneligible records a token that cannot be revoked, with the failure
// detail when the state check itself failed.
func (p *Partitions) WriteIneligible(rec engine.Record, sub *engine.Subscription, res engine.Result) error {
	row := subscriptionRow(rec, sub)

	httpStatus := ""
	if res.HTTPStatus != 0 {
		httpStatus = strconv.Itoa(res.HTTPStatus)
	}
	row = append(row, string(res.Status), httpStatus, res.ErrorType, res.Message)

	if err := p.ineligible.Write(row); err != nil {
		return fmt.Errorf("writing ineligible row: %w", err)
	}
	p.ineligible.Flush()
	return p.ineligible.Error()
}

// Close flushes and closes both files.
func (p *Partitions) Close() error {
	p.eligible.Flush()
	p.ineligible.Flush()

	err := p.eligible.Error()
	if e := p.ineligible.Error(); err == nil {
		err = e
	}
	if e := p.eligibleFile.Close(); err == nil {
		err = e
	}
	if e := p.ineligibleFile.Close(); err == nil {
		err = e
	}
	return err
}

func createPartition(path string, header []string) (*os.File, *csv.Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("writing output header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, w, nil
}

// subscriptionRow renders the columns shared by both partitions. A nil
// subscription (a failed state check) leaves the observed fields blank.
func subscriptionRow(rec engine.Record, sub *engine.Subscription) []string {
	state, expiry, autoRenew, latestOrder := "", "", "", ""
	if sub != nil {
		state = sub.State
		expiry = sub.ExpiryTime
		latestOrder = sub.LatestOrderID
		if sub.AutoRenewEnabled != nil {
			autoRenew = strconv.FormatBool(*sub.AutoRenewEnabled)
		}
	}
	return []string{
		rec.Token,
		rec.Package,
		rec.Product,
		rec.OrderID,
		state,
		expiry,
		autoRenew,
		latestOrder,
	}
}
