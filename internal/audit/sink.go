package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lendpool/locatepricer/internal/domain"
	"github.com/lendpool/locatepricer/internal/persistence"
)

// Observer receives sink telemetry; a nil observer is a no-op.
type Observer interface {
	AuditAppend(outcome string)
}

// Sink serializes hash-chain appends for one partition. Writes are
// synchronous: a record is durable before the priced response returns.
// The chain head is recovered lazily from the store and advanced only
// after a successful insert; the head mutex is never held across
// anything but the insert itself, keeping partitions independent.
type Sink struct {
	repo      persistence.AuditRepo
	partition string
	timeout   time.Duration
	obs       Observer
	log       zerolog.Logger

	mu         sync.Mutex
	headID     int64
	headHash   string
	headLoaded bool
}

// NewSink builds the sink for a partition (partition key = environment).
func NewSink(repo persistence.AuditRepo, partition string, timeout time.Duration, obs Observer, log zerolog.Logger) *Sink {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Sink{
		repo:      repo,
		partition: partition,
		timeout:   timeout,
		obs:       obs,
		log:       log.With().Str("partition", partition).Logger(),
	}
}

// Append seals rec onto the chain and writes it durably. Any failure
// surfaces as domain.ErrAuditFailure, which is fatal to the request.
func (s *Sink) Append(ctx context.Context, rec Record) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadHeadLocked(ctx); err != nil {
		s.observe("error")
		return Record{}, fmt.Errorf("%w: %v", domain.ErrAuditFailure, err)
	}

	sealed, err := rec.Seal(s.headID+1, s.headHash)
	if err != nil {
		s.observe("error")
		return Record{}, fmt.Errorf("%w: %v", domain.ErrAuditFailure, err)
	}
	row := persistence.AuditRow{
		RecordID:  sealed.RecordID,
		Partition: s.partition,
		Timestamp: sealed.Timestamp.UTC(),
		PrevHash:  sealed.PrevHash,
		SelfHash:  sealed.SelfHash,
		Payload:   mustPayload(sealed),
	}
	if err := s.repo.Append(ctx, row); err != nil {
		if errors.Is(err, persistence.ErrChainConflict) {
			// Another writer advanced the chain; resync and surface
			// the failure rather than silently re-sequencing a record
			// the caller already considers final.
			s.headLoaded = false
		}
		s.observe("error")
		return Record{}, fmt.Errorf("%w: %v", domain.ErrAuditFailure, err)
	}

	s.headID = sealed.RecordID
	s.headHash = sealed.SelfHash
	s.observe("ok")
	return sealed, nil
}

func (s *Sink) loadHeadLocked(ctx context.Context) error {
	if s.headLoaded {
		return nil
	}
	head, ok, err := s.repo.Head(ctx, s.partition)
	if err != nil {
		return err
	}
	if ok {
		s.headID = head.RecordID
		s.headHash = head.SelfHash
	} else {
		s.headID = 0
		s.headHash = GenesisHash
	}
	s.headLoaded = true
	return nil
}

func mustPayload(rec Record) []byte {
	b, err := json.Marshal(rec)
	if err != nil {
		// Record was already canonicalized once during sealing; a
		// failure here means a non-serializable type slipped in.
		panic(fmt.Sprintf("audit record payload: %v", err))
	}
	return b
}

func (s *Sink) observe(outcome string) {
	if s.obs != nil {
		s.obs.AuditAppend(outcome)
	}
}

// ChainBreak describes the first verification failure in a partition.
type ChainBreak struct {
	RecordID int64
	Reason   string
}

// VerifyChain walks the partition in order, recomputing every hash.
// It returns the number of verified records and the first break found.
func (s *Sink) VerifyChain(ctx context.Context) (int64, *ChainBreak, error) {
	const page = 500
	var (
		checked  int64
		prevHash = GenesisHash
		nextID   = int64(1)
	)
	for {
		rows, err := s.repo.List(ctx, s.partition, nextID, page)
		if err != nil {
			return checked, nil, fmt.Errorf("list audit records: %w", err)
		}
		if len(rows) == 0 {
			return checked, nil, nil
		}
		for _, row := range rows {
			if row.RecordID != nextID {
				return checked, &ChainBreak{RecordID: row.RecordID,
					Reason: fmt.Sprintf("gap: expected record %d", nextID)}, nil
			}
			var rec Record
			if err := json.Unmarshal(row.Payload, &rec); err != nil {
				return checked, &ChainBreak{RecordID: row.RecordID, Reason: "unreadable payload"}, nil
			}
			if rec.PrevHash != prevHash {
				return checked, &ChainBreak{RecordID: row.RecordID, Reason: "prev_hash mismatch"}, nil
			}
			ok, err := rec.Verify()
			if err != nil {
				return checked, nil, err
			}
			if !ok || rec.SelfHash != row.SelfHash {
				return checked, &ChainBreak{RecordID: row.RecordID, Reason: "self_hash mismatch"}, nil
			}
			prevHash = rec.SelfHash
			nextID++
			checked++
		}
	}
}
