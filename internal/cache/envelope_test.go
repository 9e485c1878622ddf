package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeFreshness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(KindBorrowRate, map[string]string{"v": "1"}, 300*time.Second, now)
	require.NoError(t, err)

	assert.True(t, env.Fresh(now))
	assert.True(t, env.Fresh(now.Add(300*time.Second)))
	assert.False(t, env.Fresh(now.Add(301*time.Second)))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Now()
	env, err := NewEnvelope(KindVolatility, 42.5, time.Minute, now)
	require.NoError(t, err)

	raw, err := env.Encode()
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	var v float64
	require.NoError(t, decoded.Decode(&v))
	assert.Equal(t, 42.5, v)
	assert.Equal(t, KindVolatility, decoded.Kind)
}

func TestDecodeEnvelopeRejectsVersionSkew(t *testing.T) {
	env, err := NewEnvelope(KindEventRisk, 1, time.Minute, time.Now())
	require.NoError(t, err)
	env.SchemaVersion = SchemaVersion + 1
	raw, err := env.Encode()
	require.NoError(t, err)

	_, err = DecodeEnvelope(raw)
	assert.ErrorIs(t, err, ErrVersionSkew)
}

func TestDefaultTTLsCoverEveryKind(t *testing.T) {
	for _, kind := range []Kind{KindBorrowRate, KindVolatility, KindEventRisk,
		KindBrokerConfig, KindCalculation, KindMinRate} {
		assert.Positive(t, DefaultTTLs[kind], string(kind))
	}
}
