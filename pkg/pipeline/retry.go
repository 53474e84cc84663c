package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
)

// RetryPolicy decides whether a failed stage attempt is tried again and how
// long to wait before the next attempt. Attempt counts come from the registry.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: DefaultRetryBaseDelay, MaxDelay: DefaultRetryMaxDelay}
}

// ShouldRetry reports whether a failure of the given attempt earns another one.
// Infrastructure failures always qualify; application failures only when the
// stage marked them retryable.
func (p RetryPolicy) ShouldRetry(kind FailureKind, retryable bool, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	return kind == FailureInfrastructure || retryable
}

// Delay returns the wait before the attempt that follows attempt: BaseDelay
// doubled per previous attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// StoreRetry bounds the retries of transient document store errors.
type StoreRetry struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultStoreRetry() StoreRetry {
	return StoreRetry{MaxRetries: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs op until it succeeds, fails with a non-transient error or the retry
// budget is spent.
func (r StoreRetry) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialDelay
	b.MaxInterval = r.MaxDelay
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx))
}
