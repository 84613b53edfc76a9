package indexer

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls exponential backoff for remote calls.
type RetryConfig struct {
	// MaxRetries is the total number of attempts before giving up.
	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
	// OnRetry is called before each delayed retry.
	OnRetry func(err error, delay time.Duration)
}

// DefaultRetryConfig returns three attempts starting at one second, doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Factor:       2,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	return c
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds or MaxRetries attempts have failed, waiting
// InitialDelay * Factor^(attempt-1) between attempts. The last error is
// returned.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          cfg.Factor,
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()

	var result T
	operation := func() error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}

	notify := func(err error, delay time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, delay)
		}
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if cfg.MaxRetries > 1 {
		b = backoff.WithMaxRetries(policy, uint64(cfg.MaxRetries-1))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
