// Package application hosts the calculation orchestrator: the public
// entry point a priced request flows through after the rate limiter.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lendpool/locatepricer/internal/audit"
	"github.com/lendpool/locatepricer/internal/cache"
	"github.com/lendpool/locatepricer/internal/domain"
	"github.com/lendpool/locatepricer/internal/resolver"
)

// Observer receives pipeline telemetry; a nil observer is a no-op.
type Observer interface {
	PriceRequest(outcome string, elapsed time.Duration)
}

// Pricer owns the transient per-request graph of fetched quotes and
// drives validation, the parallel input fan-out, the formula kernel,
// result caching and audit emission.
type Pricer struct {
	kernel   *domain.Kernel
	resolver *resolver.Resolver
	cache    *cache.Tiered
	sink     *audit.Sink
	obs      Observer
	log      zerolog.Logger
	now      func() time.Time
}

// NewPricer wires the orchestrator. obs may be nil.
func NewPricer(kernel *domain.Kernel, res *resolver.Resolver, c *cache.Tiered, sink *audit.Sink, obs Observer, log zerolog.Logger) *Pricer {
	return &Pricer{
		kernel:   kernel,
		resolver: res,
		cache:    c,
		sink:     sink,
		obs:      obs,
		log:      log,
		now:      time.Now,
	}
}

// cachedCalculation is the calc-cache payload: the result plus the
// inputs that produced it, so cache hits can still emit a faithful
// audit record.
type cachedCalculation struct {
	Result domain.CalculationResult `json:"result"`
	Inputs audit.Inputs             `json:"inputs"`
}

func calcKey(clientID string, req domain.PriceRequest) string {
	return fmt.Sprintf("%s:%s:%s:%d", req.Ticker, clientID, req.PositionValue.String(), req.LoanDays)
}

// Price executes the pipeline for one request. Every successful return
// has a durable audit record behind it; an audit failure fails the
// request and rolls back the calculation cache entry.
func (p *Pricer) Price(ctx context.Context, client domain.ClientIdentity, req domain.PriceRequest) (domain.CalculationResult, audit.Record, error) {
	start := p.now()

	// Step 1: validation, before any token or cache is consumed.
	if !domain.ValidClientID(client.ClientID) {
		p.observe("invalid", start)
		return domain.CalculationResult{}, audit.Record{}, domain.Invalid("client_id must match ^[A-Za-z0-9_-]{3,50}$")
	}
	if err := req.Validate(); err != nil {
		p.observe("invalid", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}

	// Step 2: calculation cache.
	key := calcKey(client.ClientID, req)
	if env, _, ok := p.cache.Get(ctx, cache.KindCalculation, key); ok {
		var cached cachedCalculation
		if err := env.Decode(&cached); err == nil {
			result := cached.Result.Clone()
			result.Source = domain.SourceCached
			rec, err := p.emit(ctx, client, req, cached.Inputs, result)
			if err != nil {
				p.observe("audit_failure", start)
				return domain.CalculationResult{}, audit.Record{}, err
			}
			p.observe("cached", start)
			return result, rec, nil
		}
	}

	// Step 3: broker terms. Missing or inactive → UnknownClient.
	broker, err := p.resolver.Broker(ctx, client.ClientID)
	if err != nil {
		p.observe("unknown_client", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}

	// Step 4: parallel input fan-out. All four complete before the
	// formula runs; a slow input is not cancelled by a fast one.
	var (
		wg sync.WaitGroup

		rateQuote    domain.BorrowRateQuote
		rateFellBack bool
		rateErr      error

		vol         domain.VolatilityMetric
		volFellBack bool
		volErr      error

		event         domain.EventRisk
		eventFellBack bool
		eventErr      error

		minRate    decimal.Decimal
		minRateErr error
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		rateQuote, rateFellBack, rateErr = p.resolver.BorrowRate(ctx, req.Ticker)
	}()
	go func() {
		defer wg.Done()
		vol, volFellBack, volErr = p.resolver.Volatility(ctx, req.Ticker)
	}()
	go func() {
		defer wg.Done()
		event, eventFellBack, eventErr = p.resolver.EventRisk(ctx, req.Ticker)
	}()
	go func() {
		defer wg.Done()
		minRate, minRateErr = p.resolver.MinBorrowRate(ctx, req.Ticker)
	}()
	wg.Wait()

	if err := firstError(minRateErr, rateErr, volErr, eventErr); err != nil {
		p.observe("resolve_failure", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}
	if ctx.Err() != nil {
		p.observe("cancelled", start)
		return domain.CalculationResult{}, audit.Record{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}

	// Step 5: formula kernel.
	adj, err := p.kernel.AdjustedRate(rateQuote.BaseRate, vol.Index, event.Factor, minRate)
	if err != nil {
		p.observe("invalid", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}
	borrowCost, err := p.kernel.BorrowCost(req.PositionValue, adj, req.LoanDays)
	if err != nil {
		p.observe("invalid", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}
	total, breakdown, err := p.kernel.TotalFee(borrowCost, req.PositionValue, broker)
	if err != nil {
		p.observe("invalid", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}

	result := domain.CalculationResult{
		TotalFee:  total,
		Breakdown: breakdown,
		RateUsed:  adj,
		Source:    domain.SourceLive,
	}
	if rateFellBack {
		result.FallbacksUsed = append(result.FallbacksUsed, domain.FallbackRate)
	}
	if volFellBack {
		result.FallbacksUsed = append(result.FallbacksUsed, domain.FallbackVolatility)
	}
	if eventFellBack {
		result.FallbacksUsed = append(result.FallbacksUsed, domain.FallbackEvent)
	}
	inputs := audit.Inputs{BorrowRate: rateQuote, Volatility: vol, EventRisk: event}

	// A cancelled request mutates nothing past this point.
	if ctx.Err() != nil {
		p.observe("cancelled", start)
		return domain.CalculationResult{}, audit.Record{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}

	// Step 6: result cache.
	if err := p.cache.Set(ctx, cache.KindCalculation, key, cachedCalculation{Result: result, Inputs: inputs}); err != nil {
		p.log.Warn().Err(err).Msg("calculation cache write failed")
	}

	// Step 7: durable audit record before the response.
	rec, err := p.emit(ctx, client, req, inputs, result)
	if err != nil {
		if invErr := p.cache.Invalidate(ctx, cache.KindCalculation, key); invErr != nil {
			p.log.Error().Err(invErr).Msg("calculation cache rollback failed")
		}
		p.observe("audit_failure", start)
		return domain.CalculationResult{}, audit.Record{}, err
	}

	p.observe("success", start)
	return result, rec, nil
}

// Rate resolves just the borrow-rate quote, for the rates endpoint.
func (p *Pricer) Rate(ctx context.Context, ticker string) (domain.BorrowRateQuote, error) {
	if !domain.ValidTicker(ticker) {
		return domain.BorrowRateQuote{}, domain.Invalid("ticker must be 1-5 uppercase letters")
	}
	if _, err := p.resolver.MinBorrowRate(ctx, ticker); err != nil {
		return domain.BorrowRateQuote{}, err
	}
	quote, _, err := p.resolver.BorrowRate(ctx, ticker)
	return quote, err
}

func (p *Pricer) emit(ctx context.Context, client domain.ClientIdentity, req domain.PriceRequest, inputs audit.Inputs, result domain.CalculationResult) (audit.Record, error) {
	rec := audit.Record{
		Timestamp:     p.now().UTC(),
		ClientID:      client.ClientID,
		Ticker:        req.Ticker,
		PositionValue: req.PositionValue,
		LoanDays:      req.LoanDays,
		Inputs:        inputs,
		Result:        result,
		FallbacksUsed: result.FallbacksUsed,
	}
	return p.sink.Append(ctx, rec)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pricer) observe(outcome string, start time.Time) {
	if p.obs != nil {
		p.obs.PriceRequest(outcome, p.now().Sub(start))
	}
}
