package domain

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// LendStatus is the lending-market difficulty tier for a security.
type LendStatus string

const (
	LendEasy   LendStatus = "EASY"
	LendMedium LendStatus = "MEDIUM"
	LendHard   LendStatus = "HARD"
)

// FeeType selects how a broker's transaction fee is applied.
type FeeType string

const (
	FeeFlat       FeeType = "FLAT"
	FeePercentage FeeType = "PERCENTAGE"
)

// Source attributes where a resolved input or result came from.
type Source string

const (
	SourceLive            Source = "LIVE"
	SourceCached          Source = "CACHED"
	SourceCachedStale     Source = "CACHED_STALE"
	SourceFallbackMin     Source = "FALLBACK_MIN"
	SourceFallbackDefault Source = "FALLBACK_DEFAULT"
)

// Security is read-mostly reference data, keyed by uppercase ticker.
type Security struct {
	Ticker        string          `json:"ticker" db:"ticker"`
	LendStatus    LendStatus      `json:"lend_status" db:"lend_status"`
	MinBorrowRate decimal.Decimal `json:"min_borrow_rate" db:"min_borrow_rate"`
	LastUpdated   time.Time       `json:"last_updated" db:"last_updated"`
}

// BrokerConfig holds per-client pricing terms.
type BrokerConfig struct {
	ClientID    string          `json:"client_id" db:"client_id"`
	MarkupPct   decimal.Decimal `json:"markup_pct" db:"markup_pct"`
	FeeType     FeeType         `json:"fee_type" db:"fee_type"`
	FeeAmount   decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	Active      bool            `json:"active" db:"active"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// BorrowRateQuote is an annualized borrow rate observation (0.05 = 5%).
type BorrowRateQuote struct {
	Ticker     string          `json:"ticker"`
	BaseRate   decimal.Decimal `json:"base_rate"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     Source          `json:"source"`
}

// VolatilityMetric is a unitless volatility score in [0, 100].
type VolatilityMetric struct {
	Ticker     string          `json:"ticker"`
	Index      decimal.Decimal `json:"index"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     Source          `json:"source"`
}

// EventRisk captures upcoming corporate-event exposure in [0, 10].
type EventRisk struct {
	Ticker     string          `json:"ticker"`
	Factor     decimal.Decimal `json:"factor"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     Source          `json:"source"`
}

// FallbackKind names an input that was served from the fallback ladder.
type FallbackKind string

const (
	FallbackRate       FallbackKind = "rate"
	FallbackVolatility FallbackKind = "volatility"
	FallbackEvent      FallbackKind = "event"
)

// Breakdown decomposes a total locate fee.
type Breakdown struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
}

// CalculationResult is the priced outcome for a single request.
//
// Invariant: TotalFee == BorrowCost + Markup + TransactionFees, all
// values non-negative and rounded to 4 decimal places.
type CalculationResult struct {
	TotalFee      decimal.Decimal `json:"total_fee"`
	Breakdown     Breakdown       `json:"breakdown"`
	RateUsed      decimal.Decimal `json:"borrow_rate_used"`
	Source        Source          `json:"source"`
	FallbacksUsed []FallbackKind  `json:"fallbacks_used,omitempty"`
}

// Clone returns a copy safe to mutate (decimal values are immutable).
func (r CalculationResult) Clone() CalculationResult {
	out := r
	out.FallbacksUsed = append([]FallbackKind(nil), r.FallbacksUsed...)
	return out
}

// ClientIdentity is the resolved caller, produced by the API-key layer.
type ClientIdentity struct {
	ClientID string `json:"client_id"`
	Tier     string `json:"tier,omitempty"`
}

// PriceRequest is the validated input to the pricing pipeline.
type PriceRequest struct {
	Ticker        string          `json:"ticker"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
}

var (
	tickerRe   = regexp.MustCompile(`^[A-Z]{1,5}$`)
	clientIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

	maxPositionValue = decimal.NewFromInt(1_000_000_000)
)

// ValidTicker reports whether s is an uppercase 1-5 letter ticker.
func ValidTicker(s string) bool { return tickerRe.MatchString(s) }

// ValidClientID reports whether s matches the client identifier grammar.
func ValidClientID(s string) bool { return clientIDRe.MatchString(s) }

// Validate checks the request against the pipeline input constraints.
func (p PriceRequest) Validate() error {
	if !ValidTicker(p.Ticker) {
		return Invalid("ticker must be 1-5 uppercase letters")
	}
	if p.PositionValue.LessThan(decimal.NewFromInt(1)) || p.PositionValue.GreaterThan(maxPositionValue) {
		return Invalid("position_value out of range")
	}
	if p.LoanDays < 1 || p.LoanDays > 365 {
		return Invalid("loan_days must be between 1 and 365")
	}
	return nil
}
