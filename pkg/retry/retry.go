package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPermanent marks an error that must stop retrying immediately.
// Wrap it with Permanent.
var ErrPermanent = errors.New("permanent failure")

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Maximum number of retries after the first attempt
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       bool          // Spread delays by +-25%
	// NonRetryableErrors stop the loop when matched with errors.Is.
	NonRetryableErrors []error
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ReconnectConfig is the backoff used by the peer client to re-establish its
// signaling channel.
func ReconnectConfig(maxAttempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = 10 * time.Second
	return cfg
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() []error {
	return []error{p.err, ErrPermanent}
}

// Permanent wraps err so that Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with exponential backoff retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	attempts := 0
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		res, err := fn()
		if err != nil && isNonRetryable(err, cfg.NonRetryableErrors) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithContext(newBackOff(cfg), ctx), func(err error, delay time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, delay, err)
		}
	})

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return zero, fmt.Errorf("retry cancelled: %w", err)
	case isNonRetryable(err, cfg.NonRetryableErrors):
		return zero, fmt.Errorf("non-retryable error: %w", err)
	default:
		return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, err)
	}
}

// newBackOff maps cfg onto an exponential policy capped at MaxAttempts
// retries. Elapsed time is not limited.
func newBackOff(cfg Config) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		eb.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier >= 1 {
		eb.Multiplier = cfg.Multiplier
	}
	eb.RandomizationFactor = 0
	if cfg.Jitter {
		eb.RandomizationFactor = 0.25
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts))
}

func isNonRetryable(err error, nonRetryableErrors []error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	for _, nonRetryableErr := range nonRetryableErrors {
		if errors.Is(err, nonRetryableErr) {
			return true
		}
	}
	return false
}
