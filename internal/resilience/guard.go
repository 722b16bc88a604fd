// Package resilience wraps calls to external model services with retries,
// a circuit breaker and an optional rate limit.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls a Guard.
type Config struct {
	Name            string
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration

	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before letting a trial call through.
	BreakerTimeout time.Duration

	// RequestsPerSecond limits call rate; 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxRetries:      2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  time.Minute,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Guard runs operations against one external service.
type Guard struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for breaker state changes and retries.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Guard. Zero fields of cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Guard {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = def.MaxElapsedTime
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	g := &Guard{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// malformed input and caller cancellation say nothing about service health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, models.ErrValidation) || errors.Is(err, context.Canceled)
		},
	})
	return g
}

// Name returns the guarded service name.
func (g *Guard) Name() string { return g.cfg.Name }

// State returns the breaker state: "closed", "half-open" or "open".
func (g *Guard) State() string { return g.breaker.State().String() }

// Do runs op, retrying transient failures with exponential backoff.
//
// Validation errors are returned unchanged and never retried. Caller
// cancellation returns context.Canceled. Every other failure, including
// deadline expiry and an open breaker, wraps models.ErrExternalService.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialInterval
	eb.MaxInterval = g.cfg.MaxInterval
	eb.MaxElapsedTime = g.cfg.MaxElapsedTime
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, models.ErrValidation) ||
			errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		g.logger.Debug("external call failed, retrying",
			zap.String("service", g.cfg.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, policy)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%s: %w", g.cfg.Name, context.Canceled)
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrExternalService):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", g.cfg.Name, models.ErrExternalService, ctx.Err())
	default:
		return fmt.Errorf("%s: %w: %w", g.cfg.Name, models.ErrExternalService, err)
	}
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
