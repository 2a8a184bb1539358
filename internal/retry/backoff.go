package retry

import (
	"context"
	"math"
	"time"
)

// DefaultBaseDelay is the delay before the first retry.
const DefaultBaseDelay = time.Second

// DefaultMaxDelay caps a single retry delay.
const DefaultMaxDelay = 30 * time.Second

// maxShift bounds the exponent.
const maxShift = 30

// Backoff computes exponential delays: Base * 2^attempt, attempt zero-based.
type Backoff struct {
	Base time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
}

// Delay returns the delay after the given zero-based failed attempt.
// A zero or negative base yields no delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	attempt = min(max(attempt, 0), maxShift)
	d := time.Duration(math.MaxInt64)
	if b.Base <= d>>attempt {
		d = b.Base << attempt
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleep pauses for d, returning ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
