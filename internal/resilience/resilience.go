// Package resilience wraps calls to external collaborators (automation
// platform, chat transport, object storage) with bounded retries and a
// circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	"github.com/edgard/murailocrm/internal/errs"
)

var (
	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF-OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

func mapState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CircuitBreakerConfig holds configuration for circuit breakers.
type CircuitBreakerConfig struct {
	Name        string
	MaxFailures int
	// Timeout bounds a single call when the caller's context has no deadline.
	Timeout time.Duration
	// OpenDuration is how long the breaker stays open before probing again.
	OpenDuration time.Duration
}

// CircuitBreaker guards one upstream dependency.
type CircuitBreaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewCircuitBreaker creates a breaker that trips after MaxFailures consecutive
// transient failures. Non-transient errors (validation, not found) are passed
// through without counting against the upstream.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "circuit_breaker", "name", cfg.Name)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures) //nolint:gosec // small positive config value
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "from", mapState(from), "to", mapState(to))
		},
	}

	return &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func countsAsFailure(err error) bool {
	return errs.IsTransient(err) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	return mapState(cb.cb.State())
}

// Execute runs operation through the circuit breaker. An open breaker yields a
// transient upstream error so callers can degrade uniformly.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		err := operation(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.NewTransient(cb.name+" call timed out", fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return nil, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.NewTransient(cb.name+" circuit open", err)
	}
	return err
}

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts" validate:"min=1,max=10"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"min=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"min=0"`
}

// DefaultRetryConfig returns the default bounded exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retry runs operation with exponential backoff. Only transient upstream
// errors are retried; anything else is returned after the first attempt.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, name string, operation func(context.Context) error) error {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.InitialInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errs.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.DebugContext(ctx, "Operation failed, retrying",
				"operation", name,
				"attempt", n+1,
				"max_attempts", cfg.MaxAttempts,
				"error", err,
			)
		}),
	}
	if cfg.MaxInterval > 0 {
		opts = append(opts, retry.MaxDelay(cfg.MaxInterval))
	}

	return retry.Do(func() error { return operation(ctx) }, opts...)
}

// Call combines Retry and the circuit breaker: every attempt passes through cb.
func Call(ctx context.Context, cb *CircuitBreaker, cfg RetryConfig, logger *slog.Logger, name string, operation func(context.Context) error) error {
	return Retry(ctx, cfg, logger, name, func(ctx context.Context) error {
		if cb == nil {
			return operation(ctx)
		}
		return cb.Execute(ctx, operation)
	})
}
