// Package retry provides exponential backoff with jitter for calls against
// remote collaborators (model endpoints, KV buckets).
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// Multiplier is applied to the delay on each retry.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelay caps a single delay.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns defaults suited to LLM endpoints.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

// StoreConfig returns defaults suited to KV writes, where throttling clears quickly.
func StoreConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    2 * time.Second,
	}
}

// Attempts returns MaxAttempts, never less than one.
func (c Config) Attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// Backoff computes the delay after the given attempt (1-indexed) with +/-25% jitter.
func (c Config) Backoff(attempt int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	factor := 1.0
	for i := 1; i < attempt; i++ {
		factor *= multiplier
	}

	backoff := time.Duration(float64(c.BaseDelay) * factor)
	if c.MaxDelay > 0 && backoff > c.MaxDelay {
		backoff = c.MaxDelay
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Do calls f until it succeeds, returns an error that retryable rejects, or the
// attempt budget runs out. It returns the number of attempts made and the last error.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, f func(context.Context) error) (int, error) {
	var lastErr error
	maxAttempts := cfg.Attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = f(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}
		if err := Sleep(ctx, cfg.Backoff(attempt)); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, lastErr
}
