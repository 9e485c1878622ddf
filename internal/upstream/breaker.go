package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"

	"github.com/lendpool/locatepricer/internal/domain"
)

// BreakerConfig tunes the per-adapter circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures to open, default 3
	SuccessThreshold uint32        // half-open successes to close, default 2
	RecoveryTimeout  time.Duration // open duration before probing, default 30s
	Window           time.Duration // closed-state counting window, default 60s
}

// Breaker wraps a provider client in a sony/gobreaker state machine.
// Open rejections surface as ErrUpstreamUnavailable without touching
// the network; cancellations never count against the breaker.
type Breaker struct {
	inner Client
	cb    *cb.CircuitBreaker
}

// NewBreaker wraps inner. State transitions are logged and gauged.
func NewBreaker(inner Client, cfg BreakerConfig, obs Observer, log zerolog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}

	kind := string(inner.Kind())
	st := cb.Settings{
		Name: kind,
		// gobreaker counts the successes that close the circuit among
		// requests admitted while half-open, so MaxRequests must be at
		// least SuccessThreshold; a strict single-probe half-open can
		// never reach a multi-success close in this state machine.
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.Window,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a provider failure.
			return err == nil || errors.Is(err, domain.ErrCancelled)
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn().Str("provider", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			if obs != nil {
				obs.BreakerState(name, to.String())
			}
		},
	}
	return &Breaker{inner: inner, cb: cb.NewCircuitBreaker(st)}
}

func (b *Breaker) Kind() ProviderKind { return b.inner.Kind() }

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string { return b.cb.State().String() }

// Fetch executes the inner fetch through the breaker.
func (b *Breaker) Fetch(ctx context.Context, ticker string) (Quote, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Fetch(ctx, ticker)
	})
	if err != nil {
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			return Quote{}, fmt.Errorf("%w: %s breaker open", domain.ErrUpstreamUnavailable, b.inner.Kind())
		}
		return Quote{}, err
	}
	return v.(Quote), nil
}
