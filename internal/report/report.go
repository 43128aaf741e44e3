// Package report summarizes JSONL audit trails after the fact: outcome
// counts, error breakdowns, and CSV extraction of failed tokens for
// follow-up runs.
package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rshade/subsweep/internal/engine"
)

// Load reads every parseable entry from a JSONL audit log. Malformed lines
// are counted and skipped rather than failing the whole report; partial
// trailing lines from an interrupted run are expected.
func Load(r io.Reader) ([]engine.AuditEntry, int, error) {
	var (
		entries   []engine.AuditEntry
		malformed int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry engine.AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			malformed++
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, malformed, fmt.Errorf("reading audit log: %w", err)
	}
	return entries, malformed, nil
}

// LoadFile is Load over a file path.
func LoadFile(path string) ([]engine.AuditEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Summary aggregates an audit trail for rendering.
type Summary struct {
	Total     int
	Malformed int

	// ByStatus counts entries per terminal status.
	ByStatus map[engine.Status]int

	// ByErrorType counts failed entries per classification tag.
	ByErrorType map[string]int

	// ByHTTPStatus counts failed entries per remote status code; 0 means
	// no remote response (network error or local exception).
	ByHTTPStatus map[int]int

	// Modes lists the run modes seen, usually exactly one.
	Modes []engine.Mode
}

// failed reports whether a status is a failure bucket.
func failed(st engine.Status) bool {
	return st == engine.StatusTransientFailure || st == engine.StatusPermanentFailure
}

// Summarize aggregates loaded entries.
func Summarize(entries []engine.AuditEntry, malformed int) *Summary {
	s := &Summary{
		Total:        len(entries),
		Malformed:    malformed,
		ByStatus:     map[engine.Status]int{},
		ByErrorType:  map[string]int{},
		ByHTTPStatus: map[int]int{},
	}

	modes := map[engine.Mode]bool{}
	for _, e := range entries {
		s.ByStatus[e.Status]++
		if failed(e.Status) {
			errorType := e.ErrorType
			if errorType == "" {
				errorType = "other"
			}
			s.ByErrorType[errorType]++
			s.ByHTTPStatus[e.HTTPStatus]++
		}
		if e.Mode != "" && !modes[e.Mode] {
			modes[e.Mode] = true
			s.Modes = append(s.Modes, e.Mode)
		}
	}
	return s
}

// statusOrder fixes the rendering order of the outcome buckets.
var statusOrder = []engine.Status{
	engine.StatusSuccess,
	engine.StatusAlreadyDone,
	engine.StatusTransientFailure,
	engine.StatusPermanentFailure,
	engine.StatusDryRun,
}

// Render writes the human-readable report. Output ordering is fully
// deterministic.
func (s *Summary) Render(w io.Writer) error {
	modes := make([]string, len(s.Modes))
	for i, m := range s.Modes {
		modes[i] = string(m)
	}
	sort.Strings(modes)

	fmt.Fprintf(w, "entries: %d\n", s.Total)
	if len(modes) > 0 {
		fmt.Fprintf(w, "mode: %s\n", strings.Join(modes, ", "))
	}
	if s.Malformed > 0 {
		fmt.Fprintf(w, "malformed lines skipped: %d\n", s.Malformed)
	}

	fmt.Fprintf(w, "\noutcomes:\n")
	for _, st := range statusOrder {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", st, n)
		}
	}

	if len(s.ByErrorType) > 0 {
		fmt.Fprintf(w, "\nfailures by error type:\n")
		for _, k := range sortedKeys(s.ByErrorType) {
			fmt.Fprintf(w, "  %-18s %d\n", k, s.ByErrorType[k])
		}
	}

	if len(s.ByHTTPStatus) > 0 {
		fmt.Fprintf(w, "\nfailures by HTTP status:\n")
		codes := make([]int, 0, len(s.ByHTTPStatus))
		for code := range s.ByHTTPStatus {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			label := strconv.Itoa(code)
			if code == 0 {
				label = "none"
			}
			fmt.Fprintf(w, "  %-18s %d\n", label, s.ByHTTPStatus[code])
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var csvHeader = []string{
	"token",
	"package",
	"product",
	"order_id",
	"mode",
	"status",
	"attempts",
	"http_status",
	"error_type",
	"message",
}

// WriteCSV renders entries as CSV. With failuresOnly set, only the failure
// buckets are written, which yields an input directly re-runnable against
// the same mode.
func WriteCSV(w io.Writer, entries []engine.AuditEntry, failuresOnly bool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing report header: %w", err)
	}

	for _, e := range entries {
		if failuresOnly && !failed(e.Status) {
			continue
		}
		httpStatus := ""
		if e.HTTPStatus != 0 {
			httpStatus = strconv.Itoa(e.HTTPStatus)
		}
		row := []string{
			e.Token,
			e.Package,
			e.Product,
			e.OrderID,
			string(e.Mode),
			string(e.Status),
			strconv.Itoa(e.Attempts),
			httpStatus,
			e.ErrorType,
			e.Message,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing report row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
