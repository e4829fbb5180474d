package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
)

// RetryPolicy bounds retries of transient store failures. Attempts counts
// the first try.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry runs fn until it succeeds, fails with anything other than
// ErrStoreUnavailable, or the policy is exhausted.
func retry[T any](ctx context.Context, p RetryPolicy, log zerolog.Logger, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("store call failed, retrying")
	})
}

func retryErr(ctx context.Context, p RetryPolicy, log zerolog.Logger, op string, fn func() error) error {
	_, err := retry(ctx, p, log, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
