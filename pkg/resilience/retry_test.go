package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryerSucceedsAfterFailures(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	r := NewRetryer(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Clock:        clock,
	})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())

	m := r.GetMetrics()
	assert.Equal(t, uint64(3), m.TotalAttempts)
	assert.Equal(t, uint64(1), m.SuccessCount)
}

func TestRetryerCapsDelay(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	r := NewRetryer(RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 4 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Clock:        clock,
	})

	boom := errors.New("boom")
	err := r.Execute(context.Background(), func(ctx context.Context) error { return boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxAttempts)
	assert.ErrorIs(t, err, boom)
	for _, d := range clock.Sleeps() {
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Len(t, clock.Sleeps(), 3)
}

func TestRetryerStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	r := NewRetryer(RetryConfig{
		MaxAttempts:      5,
		Clock:            NewFakeClock(time.Unix(0, 0)),
		RetryableChecker: func(err error) bool { return !errors.Is(err, fatal) },
	})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrMaxAttempts)
	assert.Equal(t, 1, calls)
}

func TestRetryerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetryer(RetryConfig{Clock: NewFakeClock(time.Unix(0, 0))})
	err := r.Execute(ctx, func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestFakeClockAdvancesOnSleep(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewFakeClock(start)

	var seen []time.Duration
	clock.OnSleep = func(d time.Duration) { seen = append(seen, d) }

	require.NoError(t, clock.Sleep(context.Background(), 3*time.Second))
	clock.Advance(time.Second)

	assert.Equal(t, start.Add(4*time.Second), clock.Now())
	assert.Equal(t, []time.Duration{3 * time.Second}, seen)
}
