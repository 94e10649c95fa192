// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/kalambet/topicforge/internal/research"
)

// Config holds retry configuration.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single backoff; zero means no cap.
	MaxDelay time.Duration
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// WithBackoff executes operation until it succeeds, returns a non-retryable
// error, or MaxRetries retries have been spent. Only errors wrapping
// research.ErrTransientIO are retried.
func WithBackoff(ctx context.Context, config Config, operation func(context.Context) error) error {
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}

		if !Retryable(err) {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, config.MaxRetries+1, err)
		}

		delay := Backoff(config, attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil
}

// Backoff returns the delay before retry number attempt+1: BaseDelay doubled
// per attempt plus up to one BaseDelay of jitter.
func Backoff(config Config, attempt int) time.Duration {
	if config.BaseDelay <= 0 {
		return 0
	}
	delay := config.BaseDelay * time.Duration(1<<attempt)
	delay += time.Duration(rand.Int64N(int64(config.BaseDelay)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, research.ErrTransientIO)
}

// HTTPStatusRetryable checks if an HTTP status code is retryable.
func HTTPStatusRetryable(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}
