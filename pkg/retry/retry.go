// Copyright 2024-2026 Aiku AI

// Package retry runs fallible operations with exponential backoff.
//
// Operations report failures as either retryable (wrapped with [Retryable])
// or fatal (anything else, or wrapped with [Fatal] for clarity). Only
// retryable failures are attempted again. The delay before retry k
// (0-indexed) is BaseDelay * 2^k, and at most 1 + MaxRetries invocations
// are made.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is matched by the error returned from [Do] when every
// allowed attempt failed with a retryable error.
var ErrExhausted = errors.New("retries exhausted")

// classified marks an error as retryable or fatal without hiding it from
// errors.Is / errors.As.
type classified struct {
	err       error
	retryable bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Retryable marks err as transient. A nil error stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: true}
}

// Fatal marks err as permanent. A nil error stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: false}
}

// IsRetryable reports whether the outermost classification in err's chain
// is retryable. Unclassified errors and context errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.retryable
	}
	return false
}

// ExhaustedError is returned by [Do] after the last allowed attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Policy configures [Do].
type Policy struct {
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int
	// BaseDelay is the wait before the first retry; each later wait doubles.
	BaseDelay time.Duration
	// Sleep waits for d or until ctx is done. Defaults to [SleepContext].
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay returns the wait before retry number attempt (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay << uint(attempt)
}

// SleepContext blocks for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do invokes op until it succeeds, fails fatally, or the retry budget is
// spent. op receives the 0-indexed attempt number.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	maxRetries := max(p.MaxRetries, 0)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry wait interrupted after attempt %d: %w", attempt+1, err)
		}
	}

	return zero, &ExhaustedError{Attempts: maxRetries + 1, Last: lastErr}
}
