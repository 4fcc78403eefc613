// Package retry runs operations under exponential backoff with jitter.
package retry

import (
	"context"
	"time"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Policy struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do calls fn until it succeeds, fails permanently or the policy is exhausted.
// The last error is returned as is.
func Do[T any](ctx context.Context, p Policy, op string, fn func() (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(fn, p.backOff(ctx), func(err error, d time.Duration) {
		logger.Log.Warn("retrying",
			zap.String("op", op),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
	})
}

// Unless marks err permanent when retryable rejects it.
func Unless(err error, retryable func(error) bool) error {
	if err == nil || retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
