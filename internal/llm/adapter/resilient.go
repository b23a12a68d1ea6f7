package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shivangiamit/hackathon/internal/llm/types"
)

// ResilienceConfig tunes the wrapper around a provider client.
type ResilienceConfig struct {
	MaxRetries        int           `json:"max_retries"`         // retries after the first attempt
	InitialBackoff    time.Duration `json:"initial_backoff"`     // first retry delay
	MaxBackoff        time.Duration `json:"max_backoff"`         // cap on a single delay
	BreakerFailures   int           `json:"breaker_failures"`    // consecutive failures that open the breaker
	BreakerCooldown   time.Duration `json:"breaker_cooldown"`    // open duration before a half-open probe
	RequestsPerSecond float64       `json:"requests_per_second"` // 0 disables rate limiting
	Burst             int           `json:"burst"`
}

// DefaultResilienceConfig returns production defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:        2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BreakerFailures:   5,
		BreakerCooldown:   30 * time.Second,
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// resilientClient rate limits, circuit breaks and retries a provider client.
type resilientClient struct {
	name    string
	inner   Client
	cfg     ResilienceConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewResilient wraps inner. Zero durations and a zero breaker threshold take
// the defaults. MaxRetries zero means a single attempt and RequestsPerSecond
// zero means unlimited.
func NewResilient(name string, inner Client, cfg ResilienceConfig, logger *zap.Logger) Client {
	def := DefaultResilienceConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &resilientClient{name: name, inner: inner, cfg: cfg, logger: logger}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	failures := uint32(cfg.BreakerFailures)
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-" + name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Caller cancellations and client errors say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("LLM circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

func (r *resilientClient) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s rate limit wait: %w", r.name, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	attempt := 0
	op := func() (*types.CompletionResponse, error) {
		attempt++
		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.inner.Complete(ctx, req)
		})
		if err == nil {
			return out.(*types.CompletionResponse), nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return nil, backoff.Permanent(err)
		}

		r.logger.Debug("LLM call failed, retrying",
			zap.String("provider", r.name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isTransient reports whether err may clear on retry.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var se *types.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// Network errors, timeouts and malformed bodies.
	return true
}
