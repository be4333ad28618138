// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"entitypipeline/internal/config"
)

// Policy controls how many times Do attempts an operation and how long it
// waits between attempts. Delays double from BaseDelay, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep is an unexported seam for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// FromConfig builds a Policy from runtime settings.
func FromConfig(r config.RetrySettings) Policy {
	return Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay reports the backoff before the given 1-based attempt. Attempt 1
// has no delay. The doubling saturates at MaxDelay instead of overflowing
// when the attempt count is large.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := uint(attempt - 2)
	if shift >= 63 || p.BaseDelay > math.MaxInt64>>shift {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return p.BaseDelay
	}
	d := p.BaseDelay << shift
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do invokes fn up to MaxAttempts times, sleeping between attempts. It
// returns nil on the first success, the context error if ctx is cancelled
// while waiting, and otherwise the error from the final attempt. A nil or
// zero MaxAttempts means a single attempt.
func (p Policy) Do(ctx context.Context, log *slog.Logger, name string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			if serr := sleep(ctx, d); serr != nil {
				return serr
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < attempts && log != nil {
			log.Warn("operation failed, retrying",
				"op", name, "attempt", attempt, "max_attempts", attempts, "error", err)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, err)
}
