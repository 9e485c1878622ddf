package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// L1 is the per-process tier: a sharded LRU map with TTL expiry and a
// hard ceiling on how long any entry may live regardless of its own
// TTL, so invalidation-bus misses stay bounded.
type L1 struct {
	shards      []*l1Shard
	maxPerShard int
	ttlCeiling  time.Duration
	now         func() time.Time
}

type l1Shard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type l1Entry struct {
	key     string
	env     Envelope
	expires time.Time
}

const l1Shards = 16

// NewL1 builds the in-process tier. maxEntries bounds the total entry
// count across shards; ttlCeiling caps per-entry residency (<= 60s).
func NewL1(maxEntries int, ttlCeiling time.Duration) *L1 {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttlCeiling <= 0 || ttlCeiling > time.Minute {
		ttlCeiling = time.Minute
	}
	c := &L1{
		shards:      make([]*l1Shard, l1Shards),
		maxPerShard: (maxEntries + l1Shards - 1) / l1Shards,
		ttlCeiling:  ttlCeiling,
		now:         time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &l1Shard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return c
}

func (c *L1) shard(key string) *l1Shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%l1Shards]
}

// Get returns a fresh envelope or reports a miss. Expired entries are
// evicted on sight.
func (c *L1) Get(key string) (Envelope, bool) {
	s := c.shard(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return Envelope{}, false
	}
	ent := el.Value.(*l1Entry)
	if now.After(ent.expires) || !ent.env.Fresh(now) {
		s.order.Remove(el)
		delete(s.entries, key)
		return Envelope{}, false
	}
	s.order.MoveToFront(el)
	return ent.env, true
}

// Set stores an envelope, evicting the LRU entry when the shard is full.
// Residency is the envelope's remaining TTL capped at the L1 ceiling.
func (c *L1) Set(key string, env Envelope) {
	now := c.now()
	remaining := env.ExpiresAt().Sub(now)
	if remaining <= 0 {
		return
	}
	if remaining > c.ttlCeiling {
		remaining = c.ttlCeiling
	}

	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		ent := el.Value.(*l1Entry)
		ent.env = env
		ent.expires = now.Add(remaining)
		s.order.MoveToFront(el)
		return
	}
	if len(s.entries) >= c.maxPerShard {
		if back := s.order.Back(); back != nil {
			victim := back.Value.(*l1Entry)
			s.order.Remove(back)
			delete(s.entries, victim.key)
		}
	}
	el := s.order.PushFront(&l1Entry{key: key, env: env, expires: now.Add(remaining)})
	s.entries[key] = el
}

// Delete evicts a single key.
func (c *L1) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
}

// Len reports the live entry count across shards.
func (c *L1) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
