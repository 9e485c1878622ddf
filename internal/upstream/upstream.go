// Package upstream provides the typed clients for the three data
// providers feeding the pricing pipeline. Each adapter issues a single
// GET per fetch and is wrapped in retry with full-jitter backoff and a
// per-adapter circuit breaker.
package upstream

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderKind names one of the three upstream inputs.
type ProviderKind string

const (
	ProviderBorrowRate ProviderKind = "borrow_rate"
	ProviderVolatility ProviderKind = "volatility"
	ProviderEventRisk  ProviderKind = "event_risk"
)

// Quote is a decimal observation from a provider.
type Quote struct {
	Ticker     string          `json:"ticker"`
	Value      decimal.Decimal `json:"value"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Client fetches the current observation for a ticker.
type Client interface {
	Kind() ProviderKind
	Fetch(ctx context.Context, ticker string) (Quote, error)
}

// Observer receives adapter telemetry; a nil observer is a no-op.
type Observer interface {
	AdapterRequest(kind string, outcome string, elapsed time.Duration)
	BreakerState(kind string, state string)
}
