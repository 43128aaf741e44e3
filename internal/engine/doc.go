// Package engine implements the batch execution core: a sequential runner
// that applies one remote subscription operation per input record, with
// exponential-backoff retries on transient errors, flat per-call rate
// limiting, resumable success/failed checkpoints, and a JSONL audit trail.
//
// The engine never issues parallel requests. One record is fully processed
// (rate-limit wait, remote call with retries, audit write, checkpoint write)
// before the next begins, so checkpoint state needs no cross-record locking
// and a killed run can always be resumed against the same checkpoint files.
package engine
