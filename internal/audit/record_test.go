package audit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendpool/locatepricer/internal/domain"
)

func sampleRecord() Record {
	return Record{
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ClientID:      "broker_1",
		Ticker:        "AAPL",
		PositionValue: decimal.RequireFromString("100000"),
		LoanDays:      30,
		Result: domain.CalculationResult{
			TotalFee: decimal.RequireFromString("550.00"),
			Source:   domain.SourceLive,
		},
	}
}

func TestSealAndVerify(t *testing.T) {
	sealed, err := sampleRecord().Seal(1, GenesisHash)
	require.NoError(t, err)

	assert.Equal(t, int64(1), sealed.RecordID)
	assert.Equal(t, GenesisHash, sealed.PrevHash)
	assert.Len(t, sealed.SelfHash, 64)

	ok, err := sealed.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDetectsTampering(t *testing.T) {
	sealed, err := sampleRecord().Seal(1, GenesisHash)
	require.NoError(t, err)

	tampered := sealed
	tampered.PositionValue = decimal.RequireFromString("1")
	ok, err := tampered.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSealIsDeterministic(t *testing.T) {
	a, err := sampleRecord().Seal(7, GenesisHash)
	require.NoError(t, err)
	b, err := sampleRecord().Seal(7, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, a.SelfHash, b.SelfHash)
}

func TestHashCoversPrevHash(t *testing.T) {
	a, err := sampleRecord().Seal(2, GenesisHash)
	require.NoError(t, err)
	b, err := sampleRecord().Seal(2, "deadbeef")
	require.NoError(t, err)
	assert.NotEqual(t, a.SelfHash, b.SelfHash)
}
