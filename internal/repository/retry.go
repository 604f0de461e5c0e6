package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/taskrec/internal/metrics"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	IsTransient func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(op string, attempt int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		IsTransient: IsTransient,
	}
}

// Delay returns the backoff before attempt+1, for attempt starting at 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-transient error, or the attempt
// budget is spent.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	transient := p.IsTransient
	if transient == nil {
		transient = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		metrics.RecordStoreOperation(op, time.Since(start), err)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		metrics.RecordStoreRetry(op)
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempts, lastErr)
}
