package domain

import (
	"github.com/shopspring/decimal"
)

// Rounding scales for quoted values.
const (
	RateScale  = 6
	MoneyScale = 4
)

func init() {
	// 28-digit working precision for intermediate division results.
	decimal.DivisionPrecision = 28
}

// Kernel applies the three pricing formulas. It is pure: no I/O, no
// floating point anywhere a quoted value is produced.
type Kernel struct {
	vFactor  decimal.Decimal
	eFactor  decimal.Decimal
	dayCount decimal.Decimal
}

// KernelParams carries the configurable formula constants.
type KernelParams struct {
	VFactor       decimal.Decimal // volatility multiplier, default 0.01
	EFactor       decimal.Decimal // event-risk multiplier, default 0.05
	DayCountBasis int             // days per year for proration, default 360
}

// DefaultKernelParams returns the production defaults.
func DefaultKernelParams() KernelParams {
	return KernelParams{
		VFactor:       decimal.RequireFromString("0.01"),
		EFactor:       decimal.RequireFromString("0.05"),
		DayCountBasis: 360,
	}
}

// NewKernel builds a kernel from the given parameters.
func NewKernel(p KernelParams) *Kernel {
	if p.DayCountBasis <= 0 {
		p.DayCountBasis = 360
	}
	return &Kernel{
		vFactor:  p.VFactor,
		eFactor:  p.EFactor,
		dayCount: decimal.NewFromInt(int64(p.DayCountBasis)),
	}
}

var (
	ten     = decimal.NewFromInt(10)
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// AdjustedRate computes the annualized borrow rate actually used:
//
//	max(base*(1 + vol*vFactor) + (event/10)*eFactor, minRate)
//
// rounded to 6 decimal places, half-up. An absent event risk is passed
// as zero and contributes nothing.
func (k *Kernel) AdjustedRate(baseRate, volIndex, eventRisk, minRate decimal.Decimal) (decimal.Decimal, error) {
	if baseRate.IsNegative() {
		return decimal.Zero, Invalid("base rate must be non-negative")
	}
	if volIndex.IsNegative() || volIndex.GreaterThan(hundred) {
		return decimal.Zero, Invalid("volatility index must be in [0, 100]")
	}
	if eventRisk.IsNegative() || eventRisk.GreaterThan(ten) {
		return decimal.Zero, Invalid("event risk must be in [0, 10]")
	}
	adj := baseRate.Mul(one.Add(volIndex.Mul(k.vFactor)))
	adj = adj.Add(eventRisk.Div(ten).Mul(k.eFactor))
	if adj.LessThan(minRate) {
		adj = minRate
	}
	return adj.Round(RateScale), nil
}

// BorrowCost prorates the annualized rate over the loan duration:
//
//	positionValue * adjRate * loanDays/basis
func (k *Kernel) BorrowCost(positionValue, adjRate decimal.Decimal, loanDays int) (decimal.Decimal, error) {
	if !positionValue.IsPositive() {
		return decimal.Zero, Invalid("position value must be positive")
	}
	if loanDays < 1 {
		return decimal.Zero, Invalid("loan days must be positive")
	}
	days := decimal.NewFromInt(int64(loanDays))
	cost := positionValue.Mul(adjRate).Mul(days).Div(k.dayCount)
	return cost.Round(MoneyScale), nil
}

// TotalFee applies the broker's terms to a borrow cost and returns the
// final breakdown. All outputs are rounded to 4 decimal places.
func (k *Kernel) TotalFee(borrowCost, positionValue decimal.Decimal, broker BrokerConfig) (decimal.Decimal, Breakdown, error) {
	if broker.MarkupPct.IsNegative() {
		return decimal.Zero, Breakdown{}, Invalid("markup must be non-negative")
	}
	if broker.FeeAmount.IsNegative() {
		return decimal.Zero, Breakdown{}, Invalid("fee amount must be non-negative")
	}
	markup := borrowCost.Mul(broker.MarkupPct).Round(MoneyScale)

	var txn decimal.Decimal
	switch broker.FeeType {
	case FeeFlat:
		txn = broker.FeeAmount
	case FeePercentage:
		txn = positionValue.Mul(broker.FeeAmount)
	default:
		return decimal.Zero, Breakdown{}, Invalid("unrecognized fee type")
	}
	txn = txn.Round(MoneyScale)

	total := borrowCost.Add(markup).Add(txn).Round(MoneyScale)
	return total, Breakdown{
		BorrowCost:      borrowCost,
		Markup:          markup,
		TransactionFees: txn,
	}, nil
}
