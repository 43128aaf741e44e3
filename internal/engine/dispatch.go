package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnvalidatedRecords is returned when a revoke run is started over
// records that lack the subscription state observed by a prior validate
// pass. The guard fires before any remote call or audit entry.
var ErrUnvalidatedRecords = errors.New(
	"revoke requires a prior validate pass: records are missing subscription_state")

// API is the remote surface the engine drives, one method per mode.
// Implementations return *RemoteError for failed calls.
type API interface {
	// GetSubscription reads the current subscription state.
	GetSubscription(ctx context.Context, pkg, token string) (*Subscription, error)

	// CancelSubscription stops future renewals.
	CancelSubscription(ctx context.Context, pkg, token string) error

	// RevokeSubscription terminates immediately with a prorated refund.
	RevokeSubscription(ctx context.Context, pkg, token string) error
}

// eligibleStates are the subscription states a revoke can act on. Anything
// else (expired, cancelled, pending) is partitioned as ineligible.
var eligibleStates = map[string]bool{
	"SUBSCRIPTION_STATE_ACTIVE":          true,
	"SUBSCRIPTION_STATE_IN_GRACE_PERIOD": true,
	"SUBSCRIPTION_STATE_ON_HOLD":         true,
	"SUBSCRIPTION_STATE_PAUSED":          true,
}

// EligibleForRevoke reports whether a subscription in the given state can
// be revoked.
func EligibleForRevoke(state string) bool {
	return eligibleStates[state]
}

// Dispatcher maps a run mode to the concrete remote call and the
// mode-specific rule that classifies non-transient errors.
type Dispatcher struct {
	api API
}

// NewDispatcher creates a dispatcher over the given remote API.
func NewDispatcher(api API) *Dispatcher {
	return &Dispatcher{api: api}
}

// Operation returns the remote call and error classifier for one record
// under the given mode.
func (d *Dispatcher) Operation(mode Mode, rec Record) (Operation, Classifier, error) {
	switch mode {
	case ModeValidate:
		op := func(ctx context.Context) (*Subscription, error) {
			return d.api.GetSubscription(ctx, rec.Package, rec.Token)
		}
		return op, classifyValidate, nil
	case ModeCancel:
		op := func(ctx context.Context) (*Subscription, error) {
			return nil, d.api.CancelSubscription(ctx, rec.Package, rec.Token)
		}
		return op, classifyCancel, nil
	case ModeRevoke:
		op := func(ctx context.Context) (*Subscription, error) {
			return nil, d.api.RevokeSubscription(ctx, rec.Package, rec.Token)
		}
		return op, classifyRevoke, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// classifyValidate: a read has no "already in target state" outcome, so
// every non-transient error is permanent.
func classifyValidate(_ *RemoteError) Status {
	return StatusPermanentFailure
}

// classifyCancel: the API rejects cancelling a subscription that is already
// cancelled or expired; that is the operation's target state.
func classifyCancel(err *RemoteError) Status {
	if err.ErrorType == "already_cancelled" {
		return StatusAlreadyDone
	}
	return StatusPermanentFailure
}

// classifyRevoke: a revoke against an already-terminated subscription is
// reported the same way as an already-cancelled cancel, and there is
// nothing left to refund, so it is terminal rather than an error.
func classifyRevoke(err *RemoteError) Status {
	if err.ErrorType == "already_cancelled" {
		return StatusAlreadyDone
	}
	return StatusPermanentFailure
}

// CheckRevokeGuard enforces the two-phase validate-then-revoke workflow:
// every record must carry the subscription state a validate pass attached.
// It runs once per batch, before any remote call.
func CheckRevokeGuard(records []Record) error {
	for _, rec := range records {
		if rec.SubscriptionState == "" {
			return fmt.Errorf("%w (row %d, token %s)", ErrUnvalidatedRecords, rec.Row, rec.Token)
		}
	}
	return nil
}
