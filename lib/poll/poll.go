// Package poll provides a bounded "retry until predicate or deadline"
// primitive shared by display-readiness and window-activation checks.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// ErrDeadline is returned when a probe does not succeed within its budget.
// Callers distinguish it from the probe's own terminal failures with errors.Is.
var ErrDeadline = errors.New("poll: deadline exceeded")

// Config bounds a polling loop. Interval is the fixed delay between attempts.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) attempts() uint {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return 1
	}
	n := c.Timeout / c.Interval
	if n < 1 {
		n = 1
	}
	return uint(n)
}

// Until runs probe repeatedly at a fixed interval until it returns nil, the
// attempt budget derived from Timeout/Interval is spent, or ctx is cancelled.
// A spent budget returns the last probe error wrapped in ErrDeadline; context
// cancellation is surfaced as ctx.Err().
func Until(ctx context.Context, cfg Config, probe func(ctx context.Context) error) error {
	err := retry.New(
		retry.Attempts(cfg.attempts()),
		retry.Delay(cfg.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		return probe(ctx)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %s: %w", ErrDeadline, cfg.Timeout, err)
}
