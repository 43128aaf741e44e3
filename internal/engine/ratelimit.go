package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a minimum spacing between successive remote calls. The
// external API's quota is a simple per-request one, so a flat delay with no
// burst allowance is sufficient.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle creates a throttle spacing calls at least delay apart.
// A non-positive delay disables throttling.
func NewThrottle(delay time.Duration) *Throttle {
	if delay <= 0 {
		return &Throttle{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next call is allowed to proceed, or until ctx is
// cancelled.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}
