package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      4,
	}
}

// WithRetry executes an operation with exponential backoff. The operation
// runs at most MaxRetries+1 times; the last error is returned. Wrap an error
// with backoff.Permanent to stop retrying early.
func WithRetry(ctx context.Context, operation func() error, config RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, config.MaxRetries), ctx))
}
