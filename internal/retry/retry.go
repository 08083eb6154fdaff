// Package retry provides the bounded exponential backoff shared by the
// upload and load tasks. Transient failures back off and retry; fatal
// errors and ceiling exhaustion surface immediately, on the principle that
// crash-and-replay beats silent divergence.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lakefeed/internal/domain"
)

// DefaultMaxElapsed bounds the total time spent retrying one operation.
const DefaultMaxElapsed = 10 * time.Minute

// Do runs op until it succeeds, returns a fatal error, the context ends,
// or maxElapsed is spent across attempts. The backoff keeps the library
// defaults (half-second start, 50% growth, one-minute interval cap); only
// the overall ceiling is ours. Exhaustion returns the last error; callers
// treat that as process-fatal.
func Do(ctx context.Context, logger *slog.Logger, maxElapsed time.Duration, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return do(ctx, logger, b, what, op)
}

func do(ctx context.Context, logger *slog.Logger, b backoff.BackOff, what string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err != nil && domain.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("retrying", "op", what, "attempt", attempt, "delay", delay, "error", err)
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify)
}
