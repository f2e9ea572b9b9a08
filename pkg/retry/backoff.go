// Package retry runs an operation again with exponential backoff until it
// succeeds, the attempts run out, or the context ends.
//
// The balancer uses it for binds that are expected to fail briefly during a
// handoff, such as the stats API address still held by a draining
// predecessor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/balancer/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter draws each delay uniformly from [d/2, d).
	Jitter     bool
	MaxRetries int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay before retry number attempt (1-based).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return jitter(config.InitialInterval, config.Jitter)
		}
		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		return jitter(time.Duration(interval), config.Jitter)
	}
}

func jitter(d time.Duration, enabled bool) time.Duration {
	if !enabled || d < 2 {
		return d
	}
	return d/2 + rand.N(d/2)
}

// StopError ends the retry loop immediately with Err.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop marks err as permanent.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn up to MaxRetries+1 times. A StopError returns its
// wrapped error at once.
func WithRetry(ctx context.Context, operation string, config BackoffConfig, fn func() error) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			delay := backoff(attempt)
			logger.Debug("Retry: waiting", "operation", operation, "attempt", attempts, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: retry cancelled: %w", operation, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}
