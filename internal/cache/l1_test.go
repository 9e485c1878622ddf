package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T, ttl time.Duration, now time.Time) Envelope {
	t.Helper()
	env, err := NewEnvelope(KindBorrowRate, "v", ttl, now)
	require.NoError(t, err)
	return env
}

func TestL1SetGet(t *testing.T) {
	c := NewL1(100, time.Minute)
	env := mustEnvelope(t, 5*time.Minute, time.Now())

	c.Set("k", env)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, env.Payload, got.Payload)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestL1CeilingCapsResidency(t *testing.T) {
	base := time.Now()
	clock := base
	c := NewL1(100, time.Second)
	c.now = func() time.Time { return clock }

	// Envelope is fresh for 5 minutes but the ceiling is 1s.
	c.Set("k", mustEnvelope(t, 5*time.Minute, base))

	clock = base.Add(500 * time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock = base.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestL1DropsAlreadyExpired(t *testing.T) {
	base := time.Now()
	c := NewL1(100, time.Minute)
	c.now = func() time.Time { return base.Add(2 * time.Minute) }

	c.Set("k", mustEnvelope(t, time.Minute, base))
	assert.Zero(t, c.Len())
}

func TestL1EvictsLRUWhenFull(t *testing.T) {
	// One entry per shard bucket; all keys below land in distinct slots
	// often enough that total length stays bounded.
	c := NewL1(16, time.Minute)
	now := time.Now()
	for i := 0; i < 200; i++ {
		c.Set(fmt.Sprintf("key-%d", i), mustEnvelope(t, time.Minute, now))
	}
	assert.LessOrEqual(t, c.Len(), 16)
}

func TestL1Delete(t *testing.T) {
	c := NewL1(100, time.Minute)
	c.Set("k", mustEnvelope(t, time.Minute, time.Now()))
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}
