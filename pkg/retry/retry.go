package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds exponential backoff parameters.
type Config struct {
	MaxAttempts  int           // attempts before giving up
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the computed delay
	Multiplier   float64       // typically 2.0
	Jitter       bool          // randomize delays to avoid thundering herd
}

// DefaultConfig matches the signaling channel's reconnect policy defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DelayFor returns the backoff delay preceding the given retry attempt
// (attempt 0 is the first retry).
func DelayFor(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if cfg.Jitter && d > 0 {
		// +/-25% around the computed delay
		jitter := d / 4
		d = d - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
	}
	return d
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. onAttempt, when non-nil, observes each failed attempt before
// the backoff wait.
func Do(ctx context.Context, cfg Config, fn func() error, onAttempt func(attempt int, err error)) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if onAttempt != nil {
			onAttempt(attempt, err)
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(DelayFor(cfg, attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}
