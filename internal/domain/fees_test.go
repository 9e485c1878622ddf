package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBaselineLocateFee(t *testing.T) {
	// AAPL: base 0.05, vol 20, no event risk, 5% markup, $25 flat fee,
	// $100k for 30 days.
	k := NewKernel(DefaultKernelParams())

	adj, err := k.AdjustedRate(d("0.05"), d("20"), decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, adj.Equal(d("0.06")), "adj = %s", adj)

	cost, err := k.BorrowCost(d("100000"), adj, 30)
	require.NoError(t, err)
	assert.True(t, cost.Equal(d("500.00")), "borrow cost = %s", cost)

	total, breakdown, err := k.TotalFee(cost, d("100000"), BrokerConfig{
		MarkupPct: d("0.05"),
		FeeType:   FeeFlat,
		FeeAmount: d("25.00"),
	})
	require.NoError(t, err)
	assert.True(t, total.Equal(d("550.00")), "total = %s", total)
	assert.True(t, breakdown.Markup.Equal(d("25.00")))
	assert.True(t, breakdown.TransactionFees.Equal(d("25.00")))
}

func TestHighVolatilityWithEventRisk(t *testing.T) {
	// TSLA: base 0.10, vol 30, event 5, 10% markup, 3bps percentage fee.
	k := NewKernel(DefaultKernelParams())

	adj, err := k.AdjustedRate(d("0.10"), d("30"), d("5"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, adj.Equal(d("0.155")), "adj = %s", adj)

	cost, err := k.BorrowCost(d("100000"), adj, 30)
	require.NoError(t, err)
	assert.True(t, cost.Equal(d("1291.6667")), "borrow cost = %s", cost)

	total, breakdown, err := k.TotalFee(cost, d("100000"), BrokerConfig{
		MarkupPct: d("0.10"),
		FeeType:   FeePercentage,
		FeeAmount: d("0.0003"),
	})
	require.NoError(t, err)
	assert.True(t, breakdown.Markup.Equal(d("129.1667")), "markup = %s", breakdown.Markup)
	assert.True(t, breakdown.TransactionFees.Equal(d("30.00")))
	assert.True(t, total.Equal(d("1450.8334")), "total = %s", total)
}

func TestMinRateClamp(t *testing.T) {
	// GME fallback: floor 0.30, vol 55, event 10.
	k := NewKernel(DefaultKernelParams())

	adj, err := k.AdjustedRate(d("0.30"), d("55"), d("10"), d("0.30"))
	require.NoError(t, err)
	assert.True(t, adj.Equal(d("0.515")), "adj = %s", adj)

	// A tiny base rate clamps up to the floor.
	adj, err = k.AdjustedRate(d("0.0001"), d("0"), d("0"), d("0.30"))
	require.NoError(t, err)
	assert.True(t, adj.Equal(d("0.30")))
}

func TestProrationBasis(t *testing.T) {
	// A full 360-day loan at the adjusted rate charges exactly one year
	// of carry; 365 days charges slightly more than a year.
	k := NewKernel(DefaultKernelParams())

	full, err := k.BorrowCost(d("100000"), d("0.06"), 360)
	require.NoError(t, err)
	assert.True(t, full.Equal(d("6000.00")), "360-day cost = %s", full)

	over, err := k.BorrowCost(d("100000"), d("0.06"), 365)
	require.NoError(t, err)
	assert.True(t, over.GreaterThan(full))
}

func TestBorrowCostBoundaries(t *testing.T) {
	k := NewKernel(DefaultKernelParams())

	min, err := k.BorrowCost(d("1"), d("0.06"), 1)
	require.NoError(t, err)
	assert.True(t, min.GreaterThanOrEqual(decimal.Zero))

	max, err := k.BorrowCost(d("1000000000"), d("0.06"), 365)
	require.NoError(t, err)
	assert.True(t, max.Equal(d("60833333.3333")), "max cost = %s", max)

	// Proration is monotone in loan days.
	one, err := k.BorrowCost(d("100000"), d("0.06"), 1)
	require.NoError(t, err)
	year, err := k.BorrowCost(d("100000"), d("0.06"), 365)
	require.NoError(t, err)
	assert.True(t, one.LessThan(year))
}

func TestAdjustedRateClampedInputs(t *testing.T) {
	k := NewKernel(DefaultKernelParams())
	floor := d("0.01")

	for _, vol := range []string{"0", "100"} {
		adj, err := k.AdjustedRate(d("0.05"), d(vol), decimal.Zero, floor)
		require.NoError(t, err)
		assert.True(t, adj.GreaterThanOrEqual(floor), "vol=%s adj=%s", vol, adj)
	}
}

func TestAdjustedRateRejectsOutOfRange(t *testing.T) {
	k := NewKernel(DefaultKernelParams())

	_, err := k.AdjustedRate(d("-0.01"), d("20"), decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = k.AdjustedRate(d("0.05"), d("101"), decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = k.AdjustedRate(d("0.05"), d("20"), d("11"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTotalFeeRejectsUnknownFeeType(t *testing.T) {
	k := NewKernel(DefaultKernelParams())
	_, _, err := k.TotalFee(d("500"), d("100000"), BrokerConfig{FeeType: "TIERED"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBreakdownSumsToTotal(t *testing.T) {
	k := NewKernel(DefaultKernelParams())
	cost, err := k.BorrowCost(d("250000"), d("0.0875"), 45)
	require.NoError(t, err)

	total, br, err := k.TotalFee(cost, d("250000"), BrokerConfig{
		MarkupPct: d("0.07"),
		FeeType:   FeePercentage,
		FeeAmount: d("0.0001"),
	})
	require.NoError(t, err)
	sum := br.BorrowCost.Add(br.Markup).Add(br.TransactionFees)
	assert.True(t, total.Equal(sum), "total %s != sum %s", total, sum)
}
