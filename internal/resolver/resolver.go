// Package resolver composes the cache, the upstream adapters and the
// database fallback into the ladder each pricing input walks:
//
//	L1 hit → L2 hit → single-flight live fetch → stale L2 → typed default
//
// So long as the global defaults are reachable the resolver never
// fails a request; it only degrades the freshness of what it returns.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lendpool/locatepricer/internal/cache"
	"github.com/lendpool/locatepricer/internal/domain"
	"github.com/lendpool/locatepricer/internal/persistence"
	"github.com/lendpool/locatepricer/internal/upstream"
)

// Config tunes the ladder's final rungs.
type Config struct {
	GlobalMinRate     decimal.Decimal // floor when the per-security min is unreachable
	DefaultVolatility decimal.Decimal // 20.0
	DefaultEventRisk  decimal.Decimal // 0
	EnableFallback    bool
}

// DefaultConfig returns the production ladder defaults.
func DefaultConfig() Config {
	return Config{
		GlobalMinRate:     decimal.RequireFromString("0.0025"),
		DefaultVolatility: decimal.NewFromInt(20),
		DefaultEventRisk:  decimal.Zero,
		EnableFallback:    true,
	}
}

// Observer receives fallback telemetry; a nil observer is a no-op.
type Observer interface {
	Fallback(kind string, rung string)
}

// Resolver serves the three pricing inputs and the broker config.
type Resolver struct {
	cache       *cache.Tiered
	rateClient  upstream.Client
	volClient   upstream.Client
	eventClient upstream.Client
	securities  persistence.SecurityRepo
	brokers     persistence.BrokerRepo
	cfg         Config
	obs         Observer
	log         zerolog.Logger
	now         func() time.Time
}

// New wires the resolver. obs may be nil.
func New(c *cache.Tiered, rate, vol, event upstream.Client,
	securities persistence.SecurityRepo, brokers persistence.BrokerRepo,
	cfg Config, obs Observer, log zerolog.Logger) *Resolver {
	return &Resolver{
		cache:       c,
		rateClient:  rate,
		volClient:   vol,
		eventClient: event,
		securities:  securities,
		brokers:     brokers,
		cfg:         cfg,
		obs:         obs,
		log:         log,
		now:         time.Now,
	}
}

// resolved is the kind-agnostic outcome of one ladder walk.
type resolved struct {
	quote    upstream.Quote
	source   domain.Source
	fallback bool
}

// ladderFailure reports whether the ladder's recovery rungs apply.
func ladderFailure(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, domain.ErrProtocol)
}

// resolve walks rungs 1-4 of the ladder. Rung 5 (typed default) is
// kind-specific and handled by the callers.
func (r *Resolver) resolve(ctx context.Context, kind cache.Kind, client upstream.Client, ticker string) (resolved, error) {
	env, origin, err := r.cache.Load(ctx, kind, ticker, func(ctx context.Context) (any, error) {
		return client.Fetch(ctx, ticker)
	})
	if err == nil {
		var q upstream.Quote
		if decErr := env.Decode(&q); decErr != nil {
			return resolved{}, decErr
		}
		source := domain.SourceCached
		if origin == cache.OriginLive {
			source = domain.SourceLive
		}
		return resolved{quote: q, source: source}, nil
	}
	if ctx.Err() != nil {
		return resolved{}, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	// A cancelled flight reaching a caller that is still live is a
	// recoverable failure, not this caller's hangup.
	if !ladderFailure(err) && !errors.Is(err, domain.ErrCancelled) {
		return resolved{}, err
	}
	if !r.cfg.EnableFallback {
		return resolved{}, err
	}

	// Rung 4: most recently expired L2 value.
	if stale, ok := r.cache.GetStale(ctx, kind, ticker); ok {
		var q upstream.Quote
		if decErr := stale.Decode(&q); decErr == nil {
			r.observeFallback(kind, "stale")
			r.log.Warn().Str("kind", string(kind)).Str("ticker", ticker).Err(err).
				Msg("serving stale cached value")
			return resolved{quote: q, source: domain.SourceCachedStale, fallback: true}, nil
		}
	}
	r.observeFallback(kind, "default")
	return resolved{fallback: true}, err
}

// BorrowRate resolves the annualized base rate. The final rung serves
// the per-security minimum from persistence, then the global floor.
func (r *Resolver) BorrowRate(ctx context.Context, ticker string) (domain.BorrowRateQuote, bool, error) {
	res, err := r.resolve(ctx, cache.KindBorrowRate, r.rateClient, ticker)
	if err == nil {
		return domain.BorrowRateQuote{
			Ticker:     ticker,
			BaseRate:   res.quote.Value,
			ObservedAt: res.quote.ObservedAt,
			Source:     res.source,
		}, res.fallback, nil
	}
	if !res.fallback {
		return domain.BorrowRateQuote{}, false, err
	}

	floor := r.cfg.GlobalMinRate
	if sec, repoErr := r.minRate(ctx, ticker); repoErr == nil {
		floor = sec
	} else if !errors.Is(repoErr, domain.ErrUnknownTicker) {
		r.log.Warn().Err(repoErr).Str("ticker", ticker).
			Msg("min-rate lookup failed; using global floor")
	}
	return domain.BorrowRateQuote{
		Ticker:     ticker,
		BaseRate:   floor,
		ObservedAt: r.now().UTC(),
		Source:     domain.SourceFallbackMin,
	}, true, nil
}

// minRate reads the per-security floor, cache-fronted with the long
// min_rate TTL so a persistence blip does not strip the floor.
func (r *Resolver) minRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	env, _, err := r.cache.Load(ctx, cache.KindMinRate, ticker, func(ctx context.Context) (any, error) {
		sec, err := r.securities.Get(ctx, ticker)
		if err != nil {
			return nil, err
		}
		return sec.MinBorrowRate, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	var min decimal.Decimal
	if err := env.Decode(&min); err != nil {
		return decimal.Zero, err
	}
	return min, nil
}

// MinBorrowRate returns the clamp floor for the adjusted-rate formula.
// An unknown ticker propagates (the request should 404); a persistence
// outage degrades to the global floor instead of failing the request.
func (r *Resolver) MinBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	min, err := r.minRate(ctx, ticker)
	if err == nil {
		return min, nil
	}
	if errors.Is(err, domain.ErrUnknownTicker) {
		return decimal.Zero, err
	}
	r.log.Warn().Err(err).Str("ticker", ticker).
		Msg("min-rate lookup failed; using global floor")
	return r.cfg.GlobalMinRate, nil
}

// Volatility resolves the volatility index, defaulting to 20.0.
func (r *Resolver) Volatility(ctx context.Context, ticker string) (domain.VolatilityMetric, bool, error) {
	res, err := r.resolve(ctx, cache.KindVolatility, r.volClient, ticker)
	if err == nil {
		return domain.VolatilityMetric{
			Ticker:     ticker,
			Index:      res.quote.Value,
			ObservedAt: res.quote.ObservedAt,
			Source:     res.source,
		}, res.fallback, nil
	}
	if !res.fallback {
		return domain.VolatilityMetric{}, false, err
	}
	return domain.VolatilityMetric{
		Ticker:     ticker,
		Index:      r.cfg.DefaultVolatility,
		ObservedAt: r.now().UTC(),
		Source:     domain.SourceFallbackDefault,
	}, true, nil
}

// EventRisk resolves the event-risk factor, defaulting to 0.
func (r *Resolver) EventRisk(ctx context.Context, ticker string) (domain.EventRisk, bool, error) {
	res, err := r.resolve(ctx, cache.KindEventRisk, r.eventClient, ticker)
	if err == nil {
		return domain.EventRisk{
			Ticker:     ticker,
			Factor:     res.quote.Value,
			ObservedAt: res.quote.ObservedAt,
			Source:     res.source,
		}, res.fallback, nil
	}
	if !res.fallback {
		return domain.EventRisk{}, false, err
	}
	return domain.EventRisk{
		Ticker:     ticker,
		Factor:     r.cfg.DefaultEventRisk,
		ObservedAt: r.now().UTC(),
		Source:     domain.SourceFallbackDefault,
	}, true, nil
}

// Broker resolves the client's pricing terms, cache-fronted. Inactive
// or missing brokers surface as ErrUnknownClient.
func (r *Resolver) Broker(ctx context.Context, clientID string) (domain.BrokerConfig, error) {
	env, _, err := r.cache.Load(ctx, cache.KindBrokerConfig, clientID, func(ctx context.Context) (any, error) {
		return r.brokers.Get(ctx, clientID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnknownClient) {
			return domain.BrokerConfig{}, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.BrokerConfig{}, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		return domain.BrokerConfig{}, fmt.Errorf("resolve broker config: %w", err)
	}
	var cfg domain.BrokerConfig
	if err := env.Decode(&cfg); err != nil {
		return domain.BrokerConfig{}, err
	}
	if !cfg.Active {
		return domain.BrokerConfig{}, domain.ErrUnknownClient
	}
	return cfg, nil
}

func (r *Resolver) observeFallback(kind cache.Kind, rung string) {
	if r.obs != nil {
		r.obs.Fallback(string(kind), rung)
	}
}
