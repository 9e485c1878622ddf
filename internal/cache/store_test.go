package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreSetUsesStaleRetention(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, RedisStoreConfig{
		OpTimeout:      time.Second,
		StaleRetention: time.Hour,
	}, zerolog.Nop())

	env, err := NewEnvelope(KindBorrowRate, "0.05", 5*time.Minute, time.Now())
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)

	// Redis expiry = freshness TTL + retention window.
	mock.ExpectSet("test:borrow_rate:AAPL", raw, 5*time.Minute+time.Hour).SetVal("OK")
	require.NoError(t, store.Set(context.Background(), "test:borrow_rate:AAPL", env))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreGetMissOnNil(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, RedisStoreConfig{}, zerolog.Nop())

	mock.ExpectGet("test:borrow_rate:MSFT").RedisNil()
	_, ok, err := store.Get(context.Background(), "test:borrow_rate:MSFT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreGetRoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, RedisStoreConfig{}, zerolog.Nop())

	env, err := NewEnvelope(KindVolatility, "22.5", time.Minute, time.Now())
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)

	mock.ExpectGet("k").SetVal(string(raw))
	got, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env.Payload, got.Payload)
}

func TestRedisStoreGetTreatsCorruptionAsMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, RedisStoreConfig{}, zerolog.Nop())

	mock.ExpectGet("k").SetVal("{not an envelope")
	_, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreGetPropagatesOutage(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, RedisStoreConfig{}, zerolog.Nop())

	mock.ExpectGet("k").SetErr(errors.New("connection refused"))
	_, _, err := store.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestRedisStorePublishInvalidate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, RedisStoreConfig{Channel: "cache:invalidate"}, zerolog.Nop())

	mock.ExpectPublish("cache:invalidate", "k").SetVal(1)
	require.NoError(t, store.PublishInvalidate(context.Background(), "k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
