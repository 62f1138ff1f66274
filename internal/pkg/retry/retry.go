// Package retry provides bounded retry policies for store writes and
// notification delivery.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

// Policy retries an operation a bounded number of times.
type Policy struct {
	Name        string
	MaxAttempts int
	// Retryable decides whether a failed attempt may be retried.
	Retryable func(error) bool
	// OnRetry is called before each wait, if set.
	OnRetry func(op string, attempt int, err error)

	newBackOff func() backoff.BackOff
}

// StoreConfig configures the incident store policy.
type StoreConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultStoreConfig returns 3 attempts with exponential backoff.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// DeliveryConfig configures the notification delivery policy.
type DeliveryConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultDeliveryConfig returns 2 attempts with linear backoff.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts: 2,
		Interval:    500 * time.Millisecond,
	}
}

// StorePolicy retries only errors classified as domain.ErrTransient,
// waiting exponentially longer between attempts.
func StorePolicy(cfg StoreConfig) Policy {
	return Policy{
		Name:        "store",
		MaxAttempts: cfg.MaxAttempts,
		Retryable:   IsTransient,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// DeliveryPolicy retries channel sends with linear backoff unless the
// sender marked the error as permanent.
func DeliveryPolicy(cfg DeliveryConfig) Policy {
	return Policy{
		Name:        "delivery",
		MaxAttempts: cfg.MaxAttempts,
		Retryable:   IsRetryable,
		newBackOff: func() backoff.BackOff {
			return &linearBackOff{interval: cfg.Interval}
		},
	}
}

// ConnectPolicy retries every failure with exponential backoff from one
// second up to 16 seconds. It is used while the database comes up.
func ConnectPolicy(attempts int) Policy {
	return Policy{
		Name:        "connect",
		MaxAttempts: attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 16 * time.Second
			b.RandomizationFactor = 0
			b.Multiplier = 2
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.newBackOff != nil {
		b = p.newBackOff()
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("operation failed, retrying",
			"operation", op,
			"policy", p.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", next,
			"error", err,
		)
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}

// IsTransient reports whether err is a transient store failure.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransient)
}

// IsRetryable checks errors that carry their own retry classification.
// Unknown errors are retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

type linearBackOff struct {
	interval time.Duration
	n        int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.interval
}

func (b *linearBackOff) Reset() {
	b.n = 0
}
