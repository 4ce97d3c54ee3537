package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/redis/go-redis/v9"
)

// RetryPolicy re-runs a watched read-modify-write when Redis reports that a
// watched key changed. Attempt n sleeps Backoff*n before attempt n+1.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy returns 3 attempts with a 100ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}
}

// Do runs fn until it succeeds, fails with anything other than an optimistic
// lock conflict, or the attempts are exhausted (ErrConcurrency).
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("RetryPolicy.Do: %d attempts: %w", attempts, ErrConcurrency)
		}

		log := logger.FromContext(ctx)
		log.Debug().Int("attempt", attempt).Msg("Watched key changed, retrying")

		timer := time.NewTimer(p.Backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
