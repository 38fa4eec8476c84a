// Package retry runs collaborator calls with bounded exponential backoff.
// Only transient failures (errs.ErrUnavailable) are retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/errs"
)

// Policy bounds a retry loop. MaxTries counts every attempt including the
// first; Jitter is the randomization factor in [0,1].
type Policy struct {
	MaxTries     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Jitter:       0.2,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	return b
}

// Do runs fn until it succeeds, fails permanently, or the policy is exhausted.
// The returned error is the last one observed.
func Do[T any](ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && !errs.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retrying collaborator call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}
