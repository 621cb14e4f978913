package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	pkgerrors "resonance-backend/pkg/errors"
)

// RetryConfig bounds retries of store writes.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterFactor  float64       `yaml:"jitter_factor"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// backoff computes retry delays with exponential growth and symmetric jitter.
type backoff struct {
	cfg  RetryConfig
	mu   sync.Mutex
	rand *rand.Rand
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) delay(attempt int) time.Duration {
	base := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.BackoffFactor, float64(attempt))
	if base > float64(b.cfg.MaxDelay) {
		base = float64(b.cfg.MaxDelay)
	}
	b.mu.Lock()
	jitter := b.cfg.JitterFactor * base * (b.rand.Float64()*2 - 1)
	b.mu.Unlock()
	return time.Duration(math.Max(0, base+jitter))
}

// wait sleeps for the attempt's delay or until ctx is done.
func (b *backoff) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, returns a non-retryable error or the
// attempts are used up.
func (b *backoff) retry(ctx context.Context, logger *zap.Logger, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}
		lastErr = err
		if !shouldRetry(err) || attempt == b.cfg.MaxRetries {
			break
		}
		logger.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if err := b.wait(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed: %w", operation, lastErr)
}

// shouldRetry treats everything except cancellation, bad input and missing
// records as transient.
func shouldRetry(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case pkgerrors.IsValidation(err), pkgerrors.IsNotFound(err):
		return false
	}
	return true
}
