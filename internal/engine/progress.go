package engine

import "time"

// Progress tracks how far a run has advanced, for progress bars and
// periodic logging.
type Progress struct {
	// Total is the number of input records for this run.
	Total int

	// Completed counts records with a terminal outcome, including
	// checkpoint skips.
	Completed int

	// Skipped counts checkpoint skips within Completed.
	Skipped int

	started time.Time
}

// ProgressFunc is invoked after every record. It must not block: the run is
// sequential, so time spent here delays the next remote call.
type ProgressFunc func(Progress)

// NewProgress creates progress tracking for total records.
func NewProgress(total int) *Progress {
	return &Progress{Total: total, started: time.Now()}
}

// PercentComplete returns completion as 0-100.
func (p *Progress) PercentComplete() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Elapsed returns time since the run started.
func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.started)
}
