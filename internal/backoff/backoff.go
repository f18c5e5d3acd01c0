// Package backoff computes capped exponential retry delays.
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy 指数退避策略
//
// The delay before attempt n (1-based) is Base * Growth^(n-1), capped at Max.
type Policy struct {
	Base   time.Duration
	Growth float64
	Max    time.Duration
}

// MediaPreview is the reference policy for attachment preview fetches.
var MediaPreview = Policy{Base: 250 * time.Millisecond, Growth: 1.5, Max: 10 * time.Second}

// DelayMs returns the delay before the given attempt in fractional
// milliseconds. Attempts below 1 are treated as 1.
func (p Policy) DelayMs(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base) / float64(time.Millisecond)
	limit := float64(p.Max) / float64(time.Millisecond)

	d := base * math.Pow(p.Growth, float64(attempt-1))
	// Pow overflows to +Inf for large attempts
	if math.IsInf(d, 0) || math.IsNaN(d) || d > limit {
		return limit
	}
	return d
}

// Delay is DelayMs as a time.Duration.
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(p.DelayMs(attempt) * float64(time.Millisecond))
}

// Wait blocks for the delay of attempt on clock, or until ctx is done.
func (p Policy) Wait(ctx context.Context, clock clockwork.Clock, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(p.Delay(attempt)):
		return nil
	}
}
