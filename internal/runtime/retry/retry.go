// Package retry re-runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/rpcflow/internal/runtime/logging"
)

const (
	DefaultMaxAttempts  = 4
	DefaultBaseInterval = time.Second
)

// Policy describes how an operation is retried. The delay after attempt n
// is BaseInterval * 2^n, so the defaults wait 2s, 4s and 8s.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts  int
	BaseInterval time.Duration
	// RetryIf reports whether err is worth another attempt. Nil retries
	// every error.
	RetryIf func(err error) bool
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseInterval: DefaultBaseInterval}
}

// BackOff returns the backoff schedule of p.
func (p Policy) BackOff() backoff.BackOff {
	base := p.BaseInterval
	if base < 0 {
		base = 0
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     2 * base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << 10,
	}
}

func (p Policy) attempts() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// Do runs op until it succeeds, returns an error RetryIf rejects, runs out of
// attempts or ctx is done. The last error is returned as op produced it.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil && p.RetryIf != nil && !p.RetryIf(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, delay time.Duration) {
			p.OnRetry(attempt, delay, err)
		}))
	}

	res, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}

// Logging returns an OnRetry hook that logs each retry through logger.
func Logging(logger logging.ServiceLogger) func(int, time.Duration, error) {
	logger = logging.OrDiscard(logger)
	return func(attempt int, delay time.Duration, err error) {
		logger.Error("Operation failed, retrying", err, logging.LogFields{
			"attempt": attempt,
			"delay":   delay.String(),
		})
	}
}
