package sdr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/satstream/internal/logging"
)

// DefaultOpenTimeout bounds the retries of OpenWithRetry.
const DefaultOpenTimeout = 10 * time.Second

// OpenWithRetry opens src, retrying with exponential backoff until it
// succeeds, maxElapsed passes or ctx is cancelled. Devices that are still
// enumerating on the bus usually come up within a few attempts.
func OpenWithRetry(ctx context.Context, src Source, maxElapsed time.Duration, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	if maxElapsed <= 0 {
		maxElapsed = DefaultOpenTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return src.Open(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("source open failed, retrying",
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "retry_in", Value: wait.String()},
			logging.Field{Key: "error", Value: err})
	})
}
