package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned without calling the guarded function while the
// breaker is open or its half-open trial requests are used up.
var ErrOpen = errors.New("circuit breaker is open")

type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Config holds circuit breaker configuration
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again; also the trial request budget
	OpenTimeout      time.Duration // time spent open before letting trial requests through
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker guards calls to an unreliable dependency.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

type Option func(*gobreaker.Settings)

// WithStateChange registers fn. It runs on the calling goroutine while the
// breaker holds its lock, so it must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(s *gobreaker.Settings) {
		s.OnStateChange = func(_ string, from, to gobreaker.State) { fn(from, to) }
	}
}

func New(cfg Config, opts ...Option) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	for _, o := range opts {
		o(&settings)
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a dependency failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

func (cb *CircuitBreaker) State() State {
	return cb.cb.State()
}
