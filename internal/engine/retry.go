package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Remote status codes retried as transient, mirroring the external API's
// documented quota and availability failures.
var transientStatuses = map[int]bool{
	429: true,
	500: true,
	503: true,
}

// RemoteError describes one failed remote call.
type RemoteError struct {
	// HTTPStatus is the remote status code, 0 when the request never
	// produced a response (network failure, timeout).
	HTTPStatus int

	// Network marks failures below the HTTP layer.
	Network bool

	// ErrorType is a coarse message classification for reporting.
	ErrorType string

	// Message is the remote error message or transport error text.
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("remote call failed: HTTP %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("remote call failed: %s", e.Message)
}

// Transient reports whether retrying the same request may succeed: rate
// limiting, server overload, or a network/timeout failure.
func (e *RemoteError) Transient() bool {
	return e.Network || transientStatuses[e.HTTPStatus]
}

// Operation is a single remote call abstraction. A nil error means success;
// a validate call additionally returns the observed subscription. Failures
// must be *RemoteError values.
type Operation func(ctx context.Context) (*Subscription, error)

// Classifier maps a non-transient remote error to its terminal status for
// the mode that issued the call: StatusAlreadyDone when the target is
// already in the operation's desired state, StatusPermanentFailure
// otherwise. The mapping is mode-specific and deliberately not shared.
type Classifier func(err *RemoteError) Status

// Retrier executes operations with exponential backoff on transient errors.
// The random source and sleep function are injectable so tests can assert
// exact delay sequences.
type Retrier struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the backoff base: attempt n waits
	// BaseDelay * 2^(n-1) plus jitter before attempt n+1.
	BaseDelay time.Duration

	// Jitter is the upper bound of the uniform random delay added to
	// each backoff.
	Jitter time.Duration

	rand  *rand.Rand
	sleep func(time.Duration)
}

// NewRetrier creates a retrier with the given attempt budget and backoff
// parameters. maxAttempts values below 1 are clamped to 1.
func NewRetrier(maxAttempts int, baseDelay, jitter time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Jitter:      jitter,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // backoff jitter, not security-sensitive
		sleep:       time.Sleep,
	}
}

// WithRand replaces the jitter source. Used by tests for determinism.
func (r *Retrier) WithRand(rnd *rand.Rand) *Retrier {
	r.rand = rnd
	return r
}

// WithSleep replaces the sleep function. Used by tests to capture delays.
func (r *Retrier) WithSleep(sleep func(time.Duration)) *Retrier {
	r.sleep = sleep
	return r
}

// Execute invokes op up to MaxAttempts times and returns the terminal
// result. Transient errors (HTTP 429/500/503 and network failures) are
// retried after a backoff delay; exhausting the attempt budget yields
// StatusTransientFailure carrying the last error, reported for manual
// follow-up rather than escalated. Already-done responses and permanent
// errors short-circuit immediately.
func (r *Retrier) Execute(ctx context.Context, op Operation, classify Classifier) Result {
	var last *RemoteError

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		sub, err := op(ctx)
		if err == nil {
			return Result{
				Status:       StatusSuccess,
				Attempts:     attempt,
				HTTPStatus:   successStatus(sub),
				Subscription: sub,
			}
		}

		var rerr *RemoteError
		if !errors.As(err, &rerr) {
			// Operations contract is *RemoteError; anything else is a
			// local bug surfaced as a permanent failure.
			return Result{
				Status:    StatusPermanentFailure,
				Attempts:  attempt,
				ErrorType: "exception",
				Message:   err.Error(),
			}
		}

		if rerr.Transient() {
			last = rerr
			if attempt < r.MaxAttempts {
				r.sleep(r.backoff(attempt))
				continue
			}
			break
		}

		status := StatusPermanentFailure
		if classify != nil {
			status = classify(rerr)
		}
		return Result{
			Status:     status,
			Attempts:   attempt,
			HTTPStatus: rerr.HTTPStatus,
			ErrorType:  rerr.ErrorType,
			Message:    rerr.Message,
		}
	}

	return Result{
		Status:     StatusTransientFailure,
		Attempts:   r.MaxAttempts,
		HTTPStatus: last.HTTPStatus,
		ErrorType:  last.ErrorType,
		Message:    last.Message,
	}
}

// backoff computes the delay after the given attempt:
// BaseDelay * 2^(attempt-1) + uniform(0, Jitter).
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.BaseDelay * (1 << (attempt - 1))
	if r.Jitter > 0 {
		delay += time.Duration(r.rand.Int63n(int64(r.Jitter)))
	}
	return delay
}

// successStatus picks the audit status code for a successful call: reads
// return a body (200), mutations return no content (204).
func successStatus(sub *Subscription) int {
	if sub != nil {
		return 200
	}
	return 204
}
