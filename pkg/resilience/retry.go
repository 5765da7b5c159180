package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrMaxAttempts is returned when every attempt failed
var ErrMaxAttempts = errors.New("max retries exceeded")

// Retryer implements bounded retry with exponential backoff
type Retryer struct {
	config       RetryConfig
	attemptCount atomic.Uint64
	successCount atomic.Uint64
	failureCount atomic.Uint64
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the backoff randomization factor (0 disables it)
	Jitter float64

	Clock Clock

	// Retry conditions
	RetryableChecker func(error) bool
	OnRetry          func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NewRetryer creates a new retryer
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.RetryableChecker == nil {
		config.RetryableChecker = defaultRetryableChecker
	}

	return &Retryer{config: config}
}

// Execute runs fn until it succeeds, returns a non-retryable error,
// or MaxAttempts is reached
func (r *Retryer) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialDelay
	b.MaxInterval = r.config.MaxDelay
	b.Multiplier = r.config.Multiplier
	b.RandomizationFactor = r.config.Jitter
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		r.attemptCount.Add(1)

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			r.successCount.Add(1)
			return nil
		}
		lastErr = err

		if !r.config.RetryableChecker(err) {
			r.failureCount.Add(1)
			return err
		}

		// Don't delay on last attempt
		if attempt < r.config.MaxAttempts {
			delay := b.NextBackOff()
			if delay == backoff.Stop || delay > r.config.MaxDelay {
				delay = r.config.MaxDelay
			}

			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, delay, err)
			}

			if err := r.config.Clock.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled: %w", err)
			}
		}
	}

	r.failureCount.Add(1)
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, r.config.MaxAttempts, lastErr)
}

// RetryMetrics contains retry counters
type RetryMetrics struct {
	TotalAttempts uint64
	SuccessCount  uint64
	FailureCount  uint64
}

// GetMetrics returns retry metrics
func (r *Retryer) GetMetrics() RetryMetrics {
	return RetryMetrics{
		TotalAttempts: r.attemptCount.Load(),
		SuccessCount:  r.successCount.Load(),
		FailureCount:  r.failureCount.Load(),
	}
}

// defaultRetryableChecker retries everything except context cancellation
func defaultRetryableChecker(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
