package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Partitioner receives validate-mode side outputs: each validated record is
// written to exactly one of two partitions depending on whether the
// observed state allows a revoke.
type Partitioner interface {
	WriteEligible(rec Record, sub *Subscription) error
	WriteIneligible(rec Record, sub *Subscription, res Result) error
}

// RunConfig carries the per-run settings the runner needs. The CLI layer
// assembles it from flags and the config file.
type RunConfig struct {
	Mode  Mode
	RunID string

	// DryRun bypasses the rate limiter and the remote call entirely;
	// every record is audited with status dry_run and zero attempts.
	DryRun bool

	// LogResponse attaches the full validate response body to audit
	// entries.
	LogResponse bool

	// SkipRevokeGuard disables the validate-provenance check on revoke
	// runs. Off by default; enabling it is an explicit operator choice.
	SkipRevokeGuard bool
}

// Runner orchestrates one batch: checkpoint skip, rate limiting, the
// retry-wrapped remote call, the audit trail, checkpoint updates, and the
// run summary. Execution is strictly sequential in input order.
type Runner struct {
	dispatcher *Dispatcher
	retrier    *Retrier
	throttle   *Throttle
	checkpoint *Checkpoint
	audit      *AuditLog
	partition  Partitioner
	onProgress ProgressFunc
	log        zerolog.Logger
}

// NewRunner assembles a runner. checkpoint may track no files (empty paths)
// but must not be nil; audit must not be nil.
func NewRunner(
	api API,
	retrier *Retrier,
	throttle *Throttle,
	checkpoint *Checkpoint,
	audit *AuditLog,
	log zerolog.Logger,
) *Runner {
	return &Runner{
		dispatcher: NewDispatcher(api),
		retrier:    retrier,
		throttle:   throttle,
		checkpoint: checkpoint,
		audit:      audit,
		log:        log,
	}
}

// WithPartitioner sets the validate-mode side-output writer.
func (r *Runner) WithPartitioner(p Partitioner) *Runner {
	r.partition = p
	return r
}

// WithProgress sets a callback invoked after every record.
func (r *Runner) WithProgress(fn ProgressFunc) *Runner {
	r.onProgress = fn
	return r
}

// Run processes records in order and returns the summary. A single
// record's failure never aborts the batch; the only abort conditions are
// the revoke guard (before any record), context cancellation, and
// unwritable audit/checkpoint/partition files (resource failures that
// would otherwise leave unaudited state changes).
func (r *Runner) Run(ctx context.Context, records []Record, cfg RunConfig) (*Summary, error) {
	if cfg.Mode == ModeRevoke && !cfg.SkipRevokeGuard {
		if err := CheckRevokeGuard(records); err != nil {
			return nil, err
		}
	}

	summary := NewSummary()
	progress := NewProgress(len(records))

	r.log.Info().
		Str("mode", string(cfg.Mode)).
		Str("run_id", cfg.RunID).
		Int("records", len(records)).
		Bool("dry_run", cfg.DryRun).
		Msg("batch started")

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		switch r.checkpoint.Contains(rec.Token) {
		case Succeeded:
			summary.Skipped++
			progress.Completed++
			progress.Skipped++
			r.notify(progress)
			continue
		case Failed:
			r.log.Debug().
				Str("token", rec.Token).
				Msg("token failed in a prior run, retrying")
		case Unseen:
		}

		res, err := r.processRecord(ctx, rec, cfg)
		if err != nil {
			return summary, err
		}

		summary.add(res.Status)
		if err := r.record(rec, res, cfg); err != nil {
			return summary, err
		}

		progress.Completed++
		r.notify(progress)
	}

	r.log.Info().
		Str("mode", string(cfg.Mode)).
		Int("processed", summary.Processed).
		Int("skipped", summary.Skipped).
		Int("success", summary.Counts[StatusSuccess]).
		Int("already_done", summary.Counts[StatusAlreadyDone]).
		Int("transient_failure", summary.Counts[StatusTransientFailure]).
		Int("permanent_failure", summary.Counts[StatusPermanentFailure]).
		Msg("batch finished")

	return summary, nil
}

// processRecord performs the remote call for one record. Dry runs
// short-circuit before the rate limiter so they stay fast.
func (r *Runner) processRecord(ctx context.Context, rec Record, cfg RunConfig) (Result, error) {
	if cfg.DryRun {
		return Result{Status: StatusDryRun, Attempts: 0}, nil
	}

	if err := r.throttle.Wait(ctx); err != nil {
		return Result{}, err
	}

	op, classify, err := r.dispatcher.Operation(cfg.Mode, rec)
	if err != nil {
		return Result{}, err
	}

	res := r.retrier.Execute(ctx, op, classify)
	if res.Status == StatusTransientFailure || res.Status == StatusPermanentFailure {
		r.log.Warn().
			Str("token", rec.Token).
			Str("status", string(res.Status)).
			Int("attempts", res.Attempts).
			Int("http_status", res.HTTPStatus).
			Str("error_type", res.ErrorType).
			Msg("record failed")
	}
	return res, nil
}

// record writes the side output, the audit entry, and the checkpoint update
// for one terminal result. Any write error here aborts the batch.
func (r *Runner) record(rec Record, res Result, cfg RunConfig) error {
	if cfg.Mode == ModeValidate && r.partition != nil && res.Status != StatusDryRun {
		if err := r.writePartition(rec, res); err != nil {
			return fmt.Errorf("writing validation partition: %w", err)
		}
	}

	if err := r.audit.Append(r.buildEntry(rec, res, cfg)); err != nil {
		return err
	}

	if cfg.DryRun {
		return nil
	}

	// Already-done is the operation's target state, so it resumes like a
	// success. Failures are recorded for review but never auto-skipped.
	if res.Status == StatusSuccess || res.Status == StatusAlreadyDone {
		return r.checkpoint.MarkSuccess(rec.Token)
	}
	return r.checkpoint.MarkFailed(rec.Token)
}

// writePartition routes a validated record to the eligible or ineligible
// side output.
func (r *Runner) writePartition(rec Record, res Result) error {
	if res.Status == StatusSuccess && res.Subscription != nil && EligibleForRevoke(res.Subscription.State) {
		return r.partition.WriteEligible(rec, res.Subscription)
	}
	return r.partition.WriteIneligible(rec, res.Subscription, res)
}

// buildEntry assembles the audit line for one result.
func (r *Runner) buildEntry(rec Record, res Result, cfg RunConfig) AuditEntry {
	entry := AuditEntry{
		RunID:          cfg.RunID,
		Token:          rec.Token,
		SubscriptionID: rec.SubscriptionID,
		Package:        rec.Package,
		Product:        rec.Product,
		OrderID:        rec.OrderID,
		Mode:           cfg.Mode,
		Status:         res.Status,
		Attempts:       res.Attempts,
		HTTPStatus:     res.HTTPStatus,
		ErrorType:      res.ErrorType,
		Message:        res.Message,
		Row:            rec.Row,
	}

	if cfg.Mode == ModeValidate {
		if sub := res.Subscription; sub != nil {
			entry.SubscriptionState = sub.State
			entry.ExpiryTime = sub.ExpiryTime
			entry.AutoRenewEnabled = sub.AutoRenewEnabled
			entry.LatestOrderID = sub.LatestOrderID
			eligible := EligibleForRevoke(sub.State)
			entry.EligibleForRevoke = &eligible
			if cfg.LogResponse {
				entry.Response = sub.Raw
			}
		} else if res.Status != StatusDryRun {
			eligible := false
			entry.EligibleForRevoke = &eligible
		}
	}

	return entry
}

// notify invokes the progress callback, if any.
func (r *Runner) notify(p *Progress) {
	if r.onProgress != nil {
		r.onProgress(*p)
	}
}
