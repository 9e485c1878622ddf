package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendpool/locatepricer/internal/domain"
	"github.com/lendpool/locatepricer/internal/persistence"
)

// memAuditRepo is an in-memory AuditRepo enforcing the unique
// (partition, record_id) constraint.
type memAuditRepo struct {
	mu       sync.Mutex
	rows     map[string][]persistence.AuditRow
	failNext error
	appends  int
}

func newMemAuditRepo() *memAuditRepo {
	return &memAuditRepo{rows: map[string][]persistence.AuditRow{}}
}

func (m *memAuditRepo) Head(ctx context.Context, partition string) (persistence.AuditRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[partition]
	if len(rows) == 0 {
		return persistence.AuditRow{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

func (m *memAuditRepo) Append(ctx context.Context, row persistence.AuditRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	for _, existing := range m.rows[row.Partition] {
		if existing.RecordID == row.RecordID {
			return persistence.ErrChainConflict
		}
	}
	m.rows[row.Partition] = append(m.rows[row.Partition], row)
	m.appends++
	return nil
}

func (m *memAuditRepo) List(ctx context.Context, partition string, fromID int64, limit int) ([]persistence.AuditRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persistence.AuditRow
	for _, row := range m.rows[partition] {
		if row.RecordID >= fromID {
			out = append(out, row)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestSink(repo persistence.AuditRepo) *Sink {
	return NewSink(repo, "test", time.Second, nil, zerolog.Nop())
}

func TestAppendBuildsChainFromGenesis(t *testing.T) {
	repo := newMemAuditRepo()
	sink := newTestSink(repo)
	ctx := context.Background()

	first, err := sink.Append(ctx, sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.RecordID)
	assert.Equal(t, GenesisHash, first.PrevHash)

	second, err := sink.Append(ctx, sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.RecordID)
	assert.Equal(t, first.SelfHash, second.PrevHash)
}

func TestAppendRecoversHeadFromStore(t *testing.T) {
	repo := newMemAuditRepo()
	ctx := context.Background()

	_, err := newTestSink(repo).Append(ctx, sampleRecord())
	require.NoError(t, err)

	// A fresh sink (restart) picks up the persisted head.
	rec, err := newTestSink(repo).Append(ctx, sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.RecordID)
}

func TestAppendFailureIsAuditFailure(t *testing.T) {
	repo := newMemAuditRepo()
	repo.failNext = errors.New("connection reset")
	sink := newTestSink(repo)

	_, err := sink.Append(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, domain.ErrAuditFailure)
}

func TestAppendConflictResyncsHead(t *testing.T) {
	repo := newMemAuditRepo()
	sink := newTestSink(repo)
	ctx := context.Background()

	_, err := sink.Append(ctx, sampleRecord())
	require.NoError(t, err)

	// Another writer claims record 2 behind this sink's back.
	other := newTestSink(repo)
	_, err = other.Append(ctx, sampleRecord())
	require.NoError(t, err)

	repo.failNext = persistence.ErrChainConflict
	_, err = sink.Append(ctx, sampleRecord())
	assert.ErrorIs(t, err, domain.ErrAuditFailure)

	// The next append resyncs and lands on record 3.
	rec, err := sink.Append(ctx, sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.RecordID)
}

func TestVerifyChainCleanAndTampered(t *testing.T) {
	repo := newMemAuditRepo()
	sink := newTestSink(repo)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := sink.Append(ctx, sampleRecord())
		require.NoError(t, err)
	}

	checked, brk, err := sink.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Nil(t, brk)
	assert.Equal(t, int64(5), checked)

	// Flip a byte in record 3's payload.
	repo.rows["test"][2].Payload[10] ^= 0xff
	checked, brk, err = sink.VerifyChain(ctx)
	require.NoError(t, err)
	require.NotNil(t, brk)
	assert.Equal(t, int64(3), brk.RecordID)
	assert.Equal(t, int64(2), checked)
}

func TestVerifyChainDetectsGap(t *testing.T) {
	repo := newMemAuditRepo()
	sink := newTestSink(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := sink.Append(ctx, sampleRecord())
		require.NoError(t, err)
	}
	// Drop record 2.
	rows := repo.rows["test"]
	repo.rows["test"] = []persistence.AuditRow{rows[0], rows[2]}

	_, brk, err := sink.VerifyChain(ctx)
	require.NoError(t, err)
	require.NotNil(t, brk)
	assert.Contains(t, brk.Reason, "gap")
}
