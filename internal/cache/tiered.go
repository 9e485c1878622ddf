package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Origin reports which tier satisfied a read.
type Origin int

const (
	OriginL1 Origin = iota
	OriginL2
	OriginLive
)

func (o Origin) String() string {
	switch o {
	case OriginL1:
		return "l1"
	case OriginL2:
		return "l2"
	default:
		return "live"
	}
}

// Observer receives cache telemetry. Implemented by the metrics
// registry; a nil observer is a no-op.
type Observer interface {
	CacheHit(tier string, kind string)
	CacheMiss(kind string)
	CacheStoreError(op string)
}

// Tiered composes L1 and the shared store behind single-flight miss
// deduplication. A read checks L1, then L2, then misses; a write
// populates L2 first, then L1. Shared-store failures degrade reads and
// writes to L1-only rather than failing the caller.
type Tiered struct {
	env   string
	l1    *L1
	store Store
	ttls  map[Kind]time.Duration
	group singleflight.Group
	obs   Observer
	log   zerolog.Logger
	now   func() time.Time
}

// NewTiered wires the two tiers. ttls overrides DefaultTTLs per kind;
// obs may be nil.
func NewTiered(env string, l1 *L1, store Store, ttls map[Kind]time.Duration, obs Observer, log zerolog.Logger) *Tiered {
	merged := make(map[Kind]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		merged[k] = v
	}
	for k, v := range ttls {
		if v > 0 {
			merged[k] = v
		}
	}
	return &Tiered{
		env:   env,
		l1:    l1,
		store: store,
		ttls:  merged,
		obs:   obs,
		log:   log,
		now:   time.Now,
	}
}

// Key builds the canonical "<env>:<kind>:<identifier>" cache key.
func (t *Tiered) Key(kind Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", t.env, kind, id)
}

// TTL returns the freshness window configured for a kind.
func (t *Tiered) TTL(kind Kind) time.Duration { return t.ttls[kind] }

// Get returns a fresh entry from L1 or L2, promoting L2 hits into L1.
// Stale entries are never returned here.
func (t *Tiered) Get(ctx context.Context, kind Kind, id string) (Envelope, Origin, bool) {
	key := t.Key(kind, id)
	if env, ok := t.l1.Get(key); ok {
		t.observeHit("l1", kind)
		return env, OriginL1, true
	}
	env, ok, err := t.store.Get(ctx, key)
	if err != nil {
		t.storeError("get", err)
		t.observeMiss(kind)
		return Envelope{}, OriginL2, false
	}
	if ok && env.Fresh(t.now()) {
		t.l1.Set(key, env)
		t.observeHit("l2", kind)
		return env, OriginL2, true
	}
	t.observeMiss(kind)
	return Envelope{}, OriginL2, false
}

// GetStale returns the most recently expired entry from the shared
// store, for use by the fallback ladder only. Fresh entries are also
// returned; the caller already tried Get and lost the race at worst.
func (t *Tiered) GetStale(ctx context.Context, kind Kind, id string) (Envelope, bool) {
	env, ok, err := t.store.Get(ctx, t.Key(kind, id))
	if err != nil {
		t.storeError("get_stale", err)
		return Envelope{}, false
	}
	return env, ok
}

// Load resolves kind:id through the ladder's cache steps and, on miss,
// runs loader under single-flight: at most one concurrent fetch per
// (process, key); other waiters share the result. The flight runs on a
// context detached from whichever caller started it, so one caller
// hanging up never poisons the waiters sharing the key; each waiter
// still honors its own cancellation while blocked.
func (t *Tiered) Load(ctx context.Context, kind Kind, id string, loader func(ctx context.Context) (any, error)) (Envelope, Origin, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, OriginLive, err
	}
	if env, origin, ok := t.Get(ctx, kind, id); ok {
		return env, origin, nil
	}
	key := t.Key(kind, id)
	// Loaders bound their own work with per-attempt deadlines, so the
	// detached flight cannot outlive the adapter's retry budget.
	fctx := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (any, error) {
		value, err := loader(fctx)
		if err != nil {
			return Envelope{}, err
		}
		env, err := NewEnvelope(kind, value, t.ttls[kind], t.now())
		if err != nil {
			return Envelope{}, err
		}
		t.write(fctx, key, env)
		return env, nil
	})
	select {
	case <-ctx.Done():
		return Envelope{}, OriginLive, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Envelope{}, OriginLive, res.Err
		}
		return res.Val.(Envelope), OriginLive, nil
	}
}

// Set writes a value through both tiers.
func (t *Tiered) Set(ctx context.Context, kind Kind, id string, value any) error {
	env, err := NewEnvelope(kind, value, t.ttls[kind], t.now())
	if err != nil {
		return err
	}
	t.write(ctx, t.Key(kind, id), env)
	return nil
}

// write populates L2 first, then L1. An unavailable store drops us to
// L1-only without failing the caller.
func (t *Tiered) write(ctx context.Context, key string, env Envelope) {
	if err := t.store.Set(ctx, key, env); err != nil {
		t.storeError("set", err)
	}
	t.l1.Set(key, env)
}

// Invalidate evicts a key from both tiers and broadcasts the eviction.
func (t *Tiered) Invalidate(ctx context.Context, kind Kind, id string) error {
	key := t.Key(kind, id)
	t.l1.Delete(key)
	if err := t.store.Delete(ctx, key); err != nil {
		t.storeError("delete", err)
		return err
	}
	if err := t.store.PublishInvalidate(ctx, key); err != nil {
		// Best effort: other processes expire via their L1 ceiling.
		t.storeError("publish", err)
	}
	return nil
}

// Run subscribes to the invalidation bus until ctx is done,
// reconnecting with a fixed pause after failures.
func (t *Tiered) Run(ctx context.Context) {
	for {
		err := t.store.Subscribe(ctx, func(key string) {
			t.l1.Delete(key)
		})
		if ctx.Err() != nil {
			return
		}
		t.log.Warn().Err(err).Msg("invalidation subscription lost; reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (t *Tiered) observeHit(tier string, kind Kind) {
	if t.obs != nil {
		t.obs.CacheHit(tier, string(kind))
	}
}

func (t *Tiered) observeMiss(kind Kind) {
	if t.obs != nil {
		t.obs.CacheMiss(string(kind))
	}
}

func (t *Tiered) storeError(op string, err error) {
	if t.obs != nil {
		t.obs.CacheStoreError(op)
	}
	t.log.Warn().Err(err).Str("op", op).Msg("cache store unavailable; serving L1 only")
}
