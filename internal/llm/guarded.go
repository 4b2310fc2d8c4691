package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/Veraticus/taxflow/internal/common"
)

// BreakerConfig tunes the circuit breaker around a provider.
type BreakerConfig struct {
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
	Disabled         bool
}

// DefaultBreakerConfig trips after half of at least ten calls fail and
// probes again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:      10,
		FailureRatio:     0.5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.MinRequests == 0 {
		c.MinRequests = def.MinRequests
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = def.FailureRatio
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// Guarded wraps a Provider with rate limiting, a circuit breaker and a
// response cache. It does not retry; callers own the retry policy.
type Guarded struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
	cache   *responseCache
	logger  *slog.Logger
	timeout time.Duration
}

// NewGuarded wraps inner according to cfg.
func NewGuarded(inner Provider, cfg Config, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default().With("component", "llm")
	}
	g := &Guarded{
		inner:   inner,
		limiter: newRateLimiter(cfg.RateLimit),
		cache:   newResponseCache(cfg.CacheTTL),
		logger:  logger,
		timeout: cfg.timeout(),
	}
	if !cfg.Breaker.Disabled {
		g.breaker = newBreaker(inner.Name(), cfg.Breaker.normalize(), logger)
	}
	return g
}

func newBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[string] {
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !Classify(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Provider circuit breaker state change",
				"provider", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// Name implements Provider.
func (g *Guarded) Name() string { return g.inner.Name() }

// Generate implements Provider. Each call is bounded by the configured
// per-call timeout.
func (g *Guarded) Generate(ctx context.Context, r Request) (string, error) {
	key := cacheKey(g.inner.Name(), r)
	if cached, ok := g.cache.get(key); ok {
		g.logger.Debug("Provider cache hit", "provider", g.inner.Name())
		return cached, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	call := func() (string, error) { return g.inner.Generate(callCtx, r) }

	var (
		out string
		err error
	)
	if g.breaker != nil {
		out, err = g.breaker.Execute(call)
	} else {
		out, err = call()
	}
	if err != nil {
		if IsCircuitOpen(err) {
			// Retrying inside this run cannot succeed while the breaker is open.
			return "", &common.RetryableError{Err: fmt.Errorf("%s: %w", g.inner.Name(), err), Retryable: false}
		}
		return "", err
	}

	g.cache.set(key, out)
	return out, nil
}

// BreakerState reports the breaker state, "disabled" without one.
func (g *Guarded) BreakerState() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

// Close releases the cache goroutine.
func (g *Guarded) Close() {
	g.cache.Close()
}

// IsCircuitOpen reports whether err came from an open or saturated breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
