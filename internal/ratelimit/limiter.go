// Package ratelimit implements the per-client token bucket on the
// shared store. Refill and decrement happen inside a single Lua script
// so concurrent instances observe one linearizable bucket per client.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lendpool/locatepricer/internal/domain"
)

// tokenBucketScript refills proportionally to elapsed time, caps at
// capacity+burst, and decrements in the same atomic step. Returns
// {allowed, retry_after_ms, tokens_remaining}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local max_tokens = capacity + burst
local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = max_tokens
  ts = now_ms
end

local elapsed = now_ms - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens + (elapsed / 1000.0) * refill
if tokens > max_tokens then tokens = max_tokens end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_ms = math.ceil(((1 - tokens) / refill) * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('PEXPIRE', key, math.ceil((max_tokens / refill) * 1000) + 60000)
return {allowed, retry_ms, tostring(tokens)}
`)

// BucketParams sizes one client tier's bucket.
type BucketParams struct {
	Capacity        int
	RefillPerSecond float64
	Burst           int
}

// Decision is the limiter verdict for one request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64
	FailedOpen bool
}

// Observer receives limiter telemetry; a nil observer is a no-op.
type Observer interface {
	RateLimitDecision(outcome string)
}

// ScriptRunner abstracts script execution for tests.
type ScriptRunner interface {
	Run(ctx context.Context, keys []string, args ...any) (any, error)
}

type redisRunner struct {
	client redis.UniversalClient
}

func (r redisRunner) Run(ctx context.Context, keys []string, args ...any) (any, error) {
	return tokenBucketScript.Run(ctx, r.client, keys, args...).Result()
}

// Config tunes the limiter.
type Config struct {
	Default   BucketParams
	Tiers     map[string]BucketParams
	KeyPrefix string
	OpTimeout time.Duration
}

// Limiter is the shared-store token bucket. On store outage it fails
// open, falling back to process-local buckets: denying every caller
// because our own store is down would turn a dependency outage into a
// total availability cliff, but each instance still meters at the
// client's configured rate so the fleet is not entirely unmetered.
type Limiter struct {
	runner ScriptRunner
	cfg    Config
	obs    Observer
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New builds a redis-backed limiter.
func New(client redis.UniversalClient, cfg Config, obs Observer, log zerolog.Logger) *Limiter {
	return NewWithRunner(redisRunner{client: client}, cfg, obs, log)
}

// NewWithRunner builds a limiter over any script runner.
func NewWithRunner(runner ScriptRunner, cfg Config, obs Observer, log zerolog.Logger) *Limiter {
	if cfg.Default.Capacity <= 0 {
		cfg.Default.Capacity = 60
	}
	if cfg.Default.RefillPerSecond <= 0 {
		cfg.Default.RefillPerSecond = 1
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 50 * time.Millisecond
	}
	return &Limiter{
		runner: runner,
		cfg:    cfg,
		obs:    obs,
		log:    log,
		now:    time.Now,
		local:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) params(tier string) BucketParams {
	if p, ok := l.cfg.Tiers[tier]; ok && p.Capacity > 0 && p.RefillPerSecond > 0 {
		return p
	}
	return l.cfg.Default
}

// Allow consumes one token for the client. O(1): a single script call.
func (l *Limiter) Allow(ctx context.Context, client domain.ClientIdentity) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	p := l.params(client.Tier)
	key := fmt.Sprintf("%s:%s", l.cfg.KeyPrefix, client.ClientID)
	res, err := l.runner.Run(ctx, []string{key},
		p.Capacity, p.RefillPerSecond, p.Burst, l.now().UnixMilli())
	if err != nil {
		// High severity: the shared bucket is gone and every instance
		// is metering on its own.
		l.log.Error().Err(err).Str("client_id", client.ClientID).
			Msg("rate limiter store unavailable; failing open to local metering")
		l.observe("fail_open")
		return l.localDecision(client.ClientID, p), nil
	}

	decision, err := parseDecision(res)
	if err != nil {
		l.log.Error().Err(err).Msg("rate limiter script returned unexpected shape")
		l.observe("fail_open")
		return l.localDecision(client.ClientID, p), nil
	}
	if decision.Allowed {
		l.observe("allow")
	} else {
		l.observe("deny")
	}
	return decision, nil
}

// localDecision consumes from a per-client in-process bucket sized
// like the shared one. Buckets are only created while the store is
// down, so the map stays small.
func (l *Limiter) localDecision(clientID string, p BucketParams) Decision {
	l.mu.Lock()
	lim, ok := l.local[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.RefillPerSecond), p.Capacity+p.Burst)
		l.local[clientID] = lim
	}
	l.mu.Unlock()

	d := Decision{Allowed: lim.Allow(), FailedOpen: true}
	if !d.Allowed {
		d.RetryAfter = time.Duration(float64(time.Second) / p.RefillPerSecond)
	}
	return d
}

func parseDecision(res any) (Decision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("want 3-element reply, got %T", res)
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("bad allowed flag %T", vals[0])
	}
	retryMS, ok := vals[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("bad retry_after %T", vals[1])
	}
	var remaining float64
	if s, ok := vals[2].(string); ok {
		fmt.Sscanf(s, "%f", &remaining)
	}
	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
		Remaining:  remaining,
	}, nil
}

func (l *Limiter) observe(outcome string) {
	if l.obs != nil {
		l.obs.RateLimitDecision(outcome)
	}
}
