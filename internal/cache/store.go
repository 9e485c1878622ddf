package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store is the shared L2 tier. Entries are retained past their
// freshness window so GetStale can serve the fallback ladder; Get
// returns whatever is stored and leaves freshness classification to
// the caller.
type Store interface {
	Get(ctx context.Context, key string) (Envelope, bool, error)
	Set(ctx context.Context, key string, env Envelope) error
	Delete(ctx context.Context, key string) error

	// PublishInvalidate broadcasts a key eviction to every process.
	PublishInvalidate(ctx context.Context, key string) error
	// Subscribe delivers invalidated keys until ctx is done.
	Subscribe(ctx context.Context, fn func(key string)) error

	Close() error
}

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client         redis.UniversalClient
	opTimeout      time.Duration
	staleRetention time.Duration
	channel        string
	log            zerolog.Logger
}

// RedisStoreConfig tunes the L2 adapter.
type RedisStoreConfig struct {
	OpTimeout      time.Duration // per-operation deadline, default 200ms
	StaleRetention time.Duration // how long expired entries remain readable
	Channel        string        // invalidation pub/sub channel
}

// NewRedisStore wraps an existing client. The client's pool settings
// are owned by the caller.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig, log zerolog.Logger) *RedisStore {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 200 * time.Millisecond
	}
	if cfg.StaleRetention <= 0 {
		cfg.StaleRetention = 24 * time.Hour
	}
	if cfg.Channel == "" {
		cfg.Channel = "cache:invalidate"
	}
	return &RedisStore{
		client:         client,
		opTimeout:      cfg.OpTimeout,
		staleRetention: cfg.StaleRetention,
		channel:        cfg.Channel,
		log:            log,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Envelope, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		// Version skew or corruption reads as a miss; the entry will
		// be overwritten by the next write-through.
		s.log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		return Envelope{}, false, nil
	}
	return env, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := env.Encode()
	if err != nil {
		return err
	}
	// Redis expiry outlives freshness so the most recently expired
	// value stays available to GetStale.
	retention := env.TTL() + s.staleRetention
	if err := s.client.Set(ctx, key, raw, retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) PublishInvalidate(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, key).Err(); err != nil {
		return fmt.Errorf("redis publish invalidate %s: %w", key, err)
	}
	return nil
}

// Subscribe blocks delivering invalidation events until ctx is done.
// Delivery is best effort: L1 staleness stays bounded by the L1 TTL
// ceiling even when events are lost.
func (s *RedisStore) Subscribe(ctx context.Context, fn func(key string)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

func (s *RedisStore) Close() error { return s.client.Close() }
