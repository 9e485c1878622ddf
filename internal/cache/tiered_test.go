package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with switchable failure.
type fakeStore struct {
	mu        sync.Mutex
	data      map[string]Envelope
	fail      bool
	published []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]Envelope{}}
}

func (f *fakeStore) Get(ctx context.Context, key string) (Envelope, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return Envelope{}, false, errors.New("store down")
	}
	env, ok := f.data[key]
	return env, ok, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.data[key] = env
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	delete(f.data, key)
	return nil
}

func (f *fakeStore) PublishInvalidate(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, key)
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, fn func(key string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func newTestTiered(store Store) *Tiered {
	return NewTiered("test", NewL1(100, time.Minute), store, nil, nil, zerolog.Nop())
}

func TestTieredPromotesL2HitsIntoL1(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, KindBorrowRate, "AAPL", "0.05"))

	// Drop L1, forcing the next read through L2.
	tc.l1.Delete(tc.Key(KindBorrowRate, "AAPL"))

	_, origin, ok := tc.Get(ctx, KindBorrowRate, "AAPL")
	require.True(t, ok)
	assert.Equal(t, OriginL2, origin)

	// Promoted: the next read is an L1 hit even with the store dark.
	store.setFail(true)
	_, origin, ok = tc.Get(ctx, KindBorrowRate, "AAPL")
	require.True(t, ok)
	assert.Equal(t, OriginL1, origin)
}

func TestTieredGetNeverReturnsStale(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)
	ctx := context.Background()

	base := time.Now()
	tc.now = func() time.Time { return base }
	require.NoError(t, tc.Set(ctx, KindCalculation, "k", "v"))

	tc.now = func() time.Time { return base.Add(2 * time.Minute) }
	tc.l1.Delete(tc.Key(KindCalculation, "k"))

	_, _, ok := tc.Get(ctx, KindCalculation, "k")
	assert.False(t, ok)

	// The expired entry remains reachable through the stale path.
	env, ok := tc.GetStale(ctx, KindCalculation, "k")
	require.True(t, ok)
	assert.False(t, env.Fresh(tc.now()))
}

func TestTieredSetSurvivesStoreOutage(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)
	ctx := context.Background()

	store.setFail(true)
	require.NoError(t, tc.Set(ctx, KindBorrowRate, "AAPL", "0.05"))

	_, origin, ok := tc.Get(ctx, KindBorrowRate, "AAPL")
	require.True(t, ok)
	assert.Equal(t, OriginL1, origin)
}

func TestTieredLoadSingleFlight(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)
	ctx := context.Background()

	var calls int32
	gate := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "0.05", nil
	}

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, origin, err := tc.Load(ctx, KindBorrowRate, "AAPL", loader)
			assert.NoError(t, err)
			assert.Equal(t, OriginLive, origin)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTieredLoadRejectsCancelledCaller(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called bool
	_, _, err := tc.Load(ctx, KindBorrowRate, "AAPL", func(ctx context.Context) (any, error) {
		called = true
		return "0.05", nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Empty(t, store.data)
}

func TestTieredLoadFlightSurvivesInitiatorCancel(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)

	var calls int32
	started := make(chan struct{})
	gate := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "0.05", nil
	}

	initiator, cancel := context.WithCancel(context.Background())
	initiatorErr := make(chan error, 1)
	go func() {
		_, _, err := tc.Load(initiator, KindBorrowRate, "AAPL", loader)
		initiatorErr <- err
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		env, origin, err := tc.Load(context.Background(), KindBorrowRate, "AAPL", loader)
		if err == nil {
			assert.Equal(t, OriginLive, origin)
			var v string
			assert.NoError(t, env.Decode(&v))
			assert.Equal(t, "0.05", v)
		}
		waiterDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// The initiator hangs up mid-flight; the waiter still gets the value.
	cancel()
	require.ErrorIs(t, <-initiatorErr, context.Canceled)
	close(gate)
	require.NoError(t, <-waiterDone)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	store.mu.Lock()
	_, cached := store.data[tc.Key(KindBorrowRate, "AAPL")]
	store.mu.Unlock()
	assert.True(t, cached)
}

func TestTieredInvalidate(t *testing.T) {
	store := newFakeStore()
	tc := newTestTiered(store)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, KindBrokerConfig, "broker_1", "cfg"))
	require.NoError(t, tc.Invalidate(ctx, KindBrokerConfig, "broker_1"))

	_, _, ok := tc.Get(ctx, KindBrokerConfig, "broker_1")
	assert.False(t, ok)
	assert.Equal(t, []string{tc.Key(KindBrokerConfig, "broker_1")}, store.published)
}
