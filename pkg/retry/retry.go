// Package retry wraps cenkalti/backoff with the gateway's retry policy:
// only transient and rate-limited failures are retried, attempts are capped,
// and the backoff schedule never overruns the caller's deadline.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/developer-mesh/llm-gateway/pkg/models"
)

// Config contains retry configuration
type Config struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxAttempts         int
	RandomizationFactor float64
	// RateLimitedMultiplier stretches the delay after an explicit
	// throttling signal.
	RateLimitedMultiplier float64
}

// DefaultConfig returns the gateway default retry policy.
func DefaultConfig() Config {
	return Config{
		InitialInterval:       200 * time.Millisecond,
		MaxInterval:           5 * time.Second,
		MaxAttempts:           3,
		RandomizationFactor:   0.5,
		RateLimitedMultiplier: 2.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = d.RandomizationFactor
	}
	if c.RateLimitedMultiplier <= 1.0 {
		c.RateLimitedMultiplier = d.RateLimitedMultiplier
	}
	return c
}

// Do executes fn, retrying failures classified as retryable by their
// ErrorKind. The total wall clock including backoff sleeps respects the
// context deadline: when the next delay would overrun it, Do gives up with
// a Timeout error wrapping the last failure.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = 2.0
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.MaxElapsedTime = 0 // the context deadline is the budget
	bo.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return contextError(err, lastErr)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		kind := models.KindOf(lastErr)
		if !kind.Retryable() || attempt >= cfg.MaxAttempts {
			return lastErr
		}

		delay := bo.NextBackOff()
		if kind == models.KindRateLimited {
			delay = time.Duration(float64(delay) * cfg.RateLimitedMultiplier)
			if delay > cfg.MaxInterval {
				delay = cfg.MaxInterval
			}
		}

		if deadline, ok := ctx.Deadline(); ok {
			if time.Now().Add(delay).After(deadline) {
				return models.WrapError(models.KindTimeout,
					"retry budget exhausted before deadline", lastErr)
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return contextError(ctx.Err(), lastErr)
		}
	}
}

func contextError(ctxErr, lastErr error) error {
	if ctxErr == context.DeadlineExceeded {
		return models.WrapError(models.KindTimeout, "deadline exceeded during retry", lastErr)
	}
	return models.WrapError(models.KindCancelled, "cancelled during retry", lastErr)
}
