// Package backoff computes retry delays for transports that reconnect or
// reopen streams.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// Attempts bounds Retry; zero retries until ctx is done.
	Attempts int
}

func (c Config) withDefaults() Config {
	if c.Initial <= 0 {
		c.Initial = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// Schedule yields the delay before each successive retry: Initial growing by
// Multiplier up to Max, each spread by up to ±Jitter of itself.
type Schedule struct {
	cfg  Config
	base time.Duration
}

func NewSchedule(cfg Config) *Schedule {
	return &Schedule{cfg: cfg.withDefaults()}
}

// Next is not safe for concurrent use.
func (s *Schedule) Next() time.Duration {
	if s.base == 0 {
		s.base = s.cfg.Initial
	} else {
		s.base = min(time.Duration(float64(s.base)*s.cfg.Multiplier), s.cfg.Max)
	}
	if s.cfg.Jitter <= 0 {
		return s.base
	}
	spread := float64(s.base) * s.cfg.Jitter
	d := s.base + time.Duration((rand.Float64()*2-1)*spread)
	if d <= 0 {
		return s.cfg.Initial
	}
	return d
}

// Reset starts the schedule over after a success.
func (s *Schedule) Reset() {
	s.base = 0
}

// Notify is told about each failed attempt that will be retried after wait.
type Notify func(attempt int, err error, wait time.Duration)

// Retry calls fn until it succeeds, retryable reports false, the attempt
// budget is spent or ctx is done. It returns the last error from fn, or
// ctx.Err() when the wait was interrupted.
func Retry(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	return RetryNotify(ctx, cfg, retryable, fn, nil)
}

func RetryNotify(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error, notify Notify) error {
	s := NewSchedule(cfg)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if cfg.Attempts > 0 && attempt >= cfg.Attempts {
			return err
		}
		wait := s.Next()
		if notify != nil {
			notify(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
