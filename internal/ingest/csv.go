// Package ingest reads identifier-bearing records from CSV and writes the
// validate-mode side outputs. Column names are resolved against a
// preference-ordered alias list so exports from different systems work
// without editing headers.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/rshade/subsweep/internal/engine"
	"github.com/rshade/subsweep/internal/logging"
)

// StateColumn is the header a validate pass writes and the revoke guard
// requires.
const StateColumn = "subscription_state"

// Sentinel errors for header validation; callers treat these as usage
// errors rather than runtime failures.
var (
	ErrMissingTokenColumn = errors.New("input CSV has no token column")
	ErrMissingStateColumn = errors.New("input CSV has no subscription_state column (run validate first)")
	ErrNoPackage          = errors.New("no package name configured and no package column in input CSV")
)

// Built-in column aliases, tried in order after any configured override.
var (
	tokenAliases          = []string{"purchaseToken", "purchase_token", "token"}
	subscriptionIDAliases = []string{"subscriptionId", "subscription_id", "product"}
	packageAliases        = []string{"package"}
	productAliases        = []string{"product"}
	orderIDAliases        = []string{"order_id", "orderId"}
)

// Preferences are configured column-name overrides, tried before the
// built-in aliases.
type Preferences struct {
	Token          string
	SubscriptionID string
	Package        string
	Product        string
	OrderID        string
}

// columns holds resolved header indexes, -1 when the column is absent.
type columns struct {
	token          int
	subscriptionID int
	pkg            int
	product        int
	orderID        int
	state          int
}

// Reader streams records from a CSV file.
type Reader struct {
	f    *os.File
	cr   *csv.Reader
	cols columns
	row  int
}

// Open opens the CSV at path and resolves its header. The token column is
// mandatory; everything else is optional.
func Open(path string, prefs Preferences) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input CSV: %w", err)
	}

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	cols := columns{
		token:          choose(header, prefs.Token, tokenAliases),
		subscriptionID: choose(header, prefs.SubscriptionID, subscriptionIDAliases),
		pkg:            choose(header, prefs.Package, packageAliases),
		product:        choose(header, prefs.Product, productAliases),
		orderID:        choose(header, prefs.OrderID, orderIDAliases),
		state:          choose(header, "", []string{StateColumn}),
	}
	if cols.token < 0 {
		f.Close()
		candidates := tokenAliases
		if prefs.Token != "" {
			candidates = append([]string{prefs.Token}, tokenAliases...)
		}
		return nil, fmt.Errorf("%w: tried %s", ErrMissingTokenColumn, strings.Join(candidates, ", "))
	}

	return &Reader{f: f, cr: cr, cols: cols}, nil
}

// HasStateColumn reports whether the input carries validate provenance.
func (r *Reader) HasStateColumn() bool {
	return r.cols.state >= 0
}

// HasPackageColumn reports whether the input carries a per-row package.
func (r *Reader) HasPackageColumn() bool {
	return r.cols.pkg >= 0
}

// Next returns the next record, or io.EOF at end of input. Field values
// are trimmed; absent columns come back empty.
func (r *Reader) Next() (engine.Record, error) {
	row, err := r.cr.Read()
	if err != nil {
		return engine.Record{}, err
	}
	r.row++

	return engine.Record{
		Token:             field(row, r.cols.token),
		SubscriptionID:    field(row, r.cols.subscriptionID),
		Package:           field(row, r.cols.pkg),
		Product:           field(row, r.cols.product),
		OrderID:           field(row, r.cols.orderID),
		SubscriptionState: field(row, r.cols.state),
		Row:               r.row,
	}, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// CollectOptions controls how the input stream is materialized.
type CollectOptions struct {
	// MaxRows, when positive, caps the number of collected records.
	MaxRows int

	// SampleSize, when positive, reservoir-samples that many records
	// from the whole stream instead of taking a prefix.
	SampleSize int

	// Rand seeds the sampler; nil uses a time-seeded source.
	Rand *rand.Rand

	// DefaultPackage fills in the package for rows without one and
	// rejects rows naming a different package.
	DefaultPackage string

	// RequireState enforces the presence of the subscription_state
	// column before any row is read (the revoke workflow).
	RequireState bool
}

// Stats reports what Collect dropped before the engine ever saw it.
type Stats struct {
	// Read is the number of data rows in the input.
	Read int

	// SkippedBlankToken counts rows without a usable token.
	SkippedBlankToken int

	// SkippedPackage counts rows whose package was missing or did not
	// match the configured one.
	SkippedPackage int
}

// Skipped is the total number of dropped rows.
func (s Stats) Skipped() int {
	return s.SkippedBlankToken + s.SkippedPackage
}

// Collect materializes the input into records ready for the engine,
// applying package resolution, blank-token skipping, reservoir sampling,
// and the row cap.
func Collect(ctx context.Context, path string, prefs Preferences, opts CollectOptions) ([]engine.Record, Stats, error) {
	log := logging.FromContext(ctx)
	var stats Stats

	r, err := Open(path, prefs)
	if err != nil {
		return nil, stats, err
	}
	defer r.Close()

	if opts.RequireState && !r.HasStateColumn() {
		return nil, stats, ErrMissingStateColumn
	}
	if opts.DefaultPackage == "" && !r.HasPackageColumn() {
		return nil, stats, ErrNoPackage
	}

	var (
		collected []engine.Record
		reservoir *engine.Reservoir[engine.Record]
	)
	if opts.SampleSize > 0 {
		reservoir = engine.NewReservoir[engine.Record](opts.SampleSize, opts.Rand)
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("reading CSV row: %w", err)
		}
		stats.Read++

		if rec.Token == "" {
			stats.SkippedBlankToken++
			log.Warn().Int("row", rec.Row).Msg("row has no token, skipping")
			continue
		}

		if rec.Package == "" {
			rec.Package = opts.DefaultPackage
		}
		switch {
		case rec.Package == "":
			stats.SkippedPackage++
			log.Warn().Int("row", rec.Row).Msg("row has no package, skipping")
			continue
		case opts.DefaultPackage != "" && rec.Package != opts.DefaultPackage:
			stats.SkippedPackage++
			log.Warn().
				Int("row", rec.Row).
				Str("package", rec.Package).
				Msg("row package does not match configured package, skipping")
			continue
		}

		if reservoir != nil {
			reservoir.Observe(rec)
			continue
		}

		collected = append(collected, rec)
		if opts.MaxRows > 0 && len(collected) >= opts.MaxRows {
			break
		}
	}

	if reservoir != nil {
		collected = reservoir.Items()
		if opts.MaxRows > 0 && len(collected) > opts.MaxRows {
			collected = collected[:opts.MaxRows]
		}
	}

	return collected, stats, nil
}

// choose resolves the first matching header name: the override first, then
// the aliases. Returns -1 when nothing matches.
func choose(header []string, override string, aliases []string) int {
	if override != "" {
		if i := indexOf(header, override); i >= 0 {
			return i
		}
	}
	for _, name := range aliases {
		if i := indexOf(header, name); i >= 0 {
			return i
		}
	}
	return -1
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
