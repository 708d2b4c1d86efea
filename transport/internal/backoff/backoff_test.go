package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleGrowsToMax(t *testing.T) {
	s := NewSchedule(Config{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2})
	for _, want := range []time.Duration{10, 20, 40, 40} {
		assert.Equal(t, want*time.Millisecond, s.Next())
	}

	s.Reset()
	assert.Equal(t, 10*time.Millisecond, s.Next())
}

func TestScheduleDefaults(t *testing.T) {
	s := NewSchedule(Config{})
	assert.Equal(t, 50*time.Millisecond, s.Next())
	assert.Equal(t, 100*time.Millisecond, s.Next())
}

func TestJitterStaysInSpan(t *testing.T) {
	s := NewSchedule(Config{Initial: 100 * time.Millisecond, Max: 100 * time.Millisecond, Jitter: 0.5})
	for range 20 {
		d := s.Next()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	always := func(error) bool { return true }
	cfg := Config{Initial: time.Millisecond, Max: time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		var notified []int
		err := RetryNotify(context.Background(), cfg, always, func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			assert.ErrorIs(t, err, errTransient)
			assert.Equal(t, time.Millisecond, wait)
			notified = append(notified, attempt)
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("stops on non retryable", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), cfg, func(err error) bool { return err == errTransient }, func() error {
			calls++
			return errFatal
		})
		assert.ErrorIs(t, err, errFatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempt budget", func(t *testing.T) {
		calls := 0
		limited := cfg
		limited.Attempts = 2
		err := Retry(context.Background(), limited, always, func() error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 2, calls)
	})

	t.Run("context done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, Config{Initial: time.Hour}, always, func() error { return errTransient })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
