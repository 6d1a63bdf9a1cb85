package retry

import (
	"context"
	"errors"
	"time"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/log"
)

// Config controls the backoff behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Subsequent
	// delays double up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
}

// DefaultConfig matches the reconciler's per-drift-item retry budget.
var DefaultConfig = Config{
	MaxAttempts:  5,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff.
// Only transient errors are retried: permanent, conflict, and not-found
// classifications return immediately. It stops early when ctx is
// cancelled. The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !errdefs.IsTransient(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			log.Logger.Debug().
				Int("attempt", attempt).
				Int("max", cfg.MaxAttempts).
				Dur("delay", delay).
				Err(lastErr).
				Msg("transient failure, retrying")

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return lastErr
}
