package onchain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds how often a ledger read is retried. The client never retries
// beyond MaxAttempts; the scan loop's next tick is the outer retry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterRange float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier <= 1.0 {
		c.Multiplier = 2.0
	}
	if c.JitterRange < 0 || c.JitterRange > 1.0 {
		c.JitterRange = 0.1
	}
	return c
}

type retryer struct {
	config RetryConfig
	logger *zap.SugaredLogger

	mu  sync.Mutex
	rng *rand.Rand
}

func newRetryer(config RetryConfig, logger *zap.SugaredLogger) *retryer {
	return &retryer{
		config: config.normalized(),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryer) do(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.Debugw("Ledger call failed, retrying", "method", name, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if r.config.MaxAttempts > 1 && retryable(lastErr) {
		return fmt.Errorf("after %d attempts: %w", r.config.MaxAttempts, lastErr)
	}
	return lastErr
}

func (r *retryer) delay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.JitterRange > 0 {
		r.mu.Lock()
		jitter := r.rng.Float64() * r.config.JitterRange * delay
		if r.rng.Float64() < 0.5 {
			delay -= jitter
		} else {
			delay += jitter
		}
		r.mu.Unlock()
	}

	if delay < float64(r.config.BaseDelay) {
		delay = float64(r.config.BaseDelay)
	}
	return time.Duration(delay)
}

// retryable excludes cancellation and answers the node gave deliberately.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr *RPCError
	return !errors.As(err, &rpcErr)
}
