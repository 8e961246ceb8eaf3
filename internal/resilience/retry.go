package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls in-process retries of one call.
type RetryConfig struct {
	// MaxAttempts includes the first call. Default 3.
	MaxAttempts int
	// InitialBackoff precedes the first retry. Default 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps each delay. Default 30s.
	MaxBackoff time.Duration
	// Multiplier grows the delay per retry. Default 2.
	Multiplier float64
	// JitterFraction spreads each delay by up to plus or minus this fraction.
	JitterFraction float64
	// ShouldRetry picks retryable errors. Nil means IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before each sleep with the retry number starting at 1.
	OnRetry func(retry int, err error)
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	c.JitterFraction = max(c.JitterFraction, 0)
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// delay is the sleep before the given retry, jitter included.
func (c RetryConfig) delay(retry int) time.Duration {
	d := float64(ExponentialBackoff(retry, c.InitialBackoff, c.MaxBackoff, c.Multiplier))
	if c.JitterFraction > 0 {
		d += d * c.JitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

// DoVal calls fn until it succeeds or returns an error ShouldRetry rejects,
// the attempts run out, or ctx ends. The last error from fn is returned.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !sleep(ctx, cfg.delay(attempt)) {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ExponentialBackoff returns base*multiplier^(retry-1) capped at limit, for
// retry counted from 1. There is no jitter, so the schedule never shrinks:
// base 1m and multiplier 2 give 1m, 2m, 4m and so on.
func ExponentialBackoff(retry int, base, limit time.Duration, multiplier float64) time.Duration {
	retry = max(retry, 1)
	if multiplier <= 0 {
		multiplier = 2
	}
	d := float64(base) * math.Pow(multiplier, float64(retry-1))
	if limit > 0 && (math.IsInf(d, 1) || d > float64(limit)) {
		return limit
	}
	return time.Duration(d)
}

// RetryLogger logs each retry of operation against service.
func RetryLogger(service, operation string) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}
}
