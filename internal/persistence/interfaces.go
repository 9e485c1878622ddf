// Package persistence defines the storage contracts for reference data
// and the append-only audit stream. Implementations live in postgres/.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/lendpool/locatepricer/internal/domain"
)

// ErrChainConflict signals a concurrent writer claimed the next audit
// record id for the partition.
var ErrChainConflict = errors.New("audit chain head conflict")

// AuditRow is the persisted form of one hash-chained audit record.
type AuditRow struct {
	RecordID  int64     `json:"record_id" db:"record_id"`
	Partition string    `json:"partition" db:"partition"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	PrevHash  string    `json:"prev_hash" db:"prev_hash"`
	SelfHash  string    `json:"self_hash" db:"self_hash"`
	Payload   []byte    `json:"payload" db:"payload_json"`
}

// SecurityRepo reads security reference data.
type SecurityRepo interface {
	// Get returns domain.ErrUnknownTicker when the ticker is absent.
	Get(ctx context.Context, ticker string) (domain.Security, error)
}

// BrokerRepo reads per-client pricing terms.
type BrokerRepo interface {
	// Get returns domain.ErrUnknownClient when the client is absent.
	Get(ctx context.Context, clientID string) (domain.BrokerConfig, error)
}

// AuditRepo is the durable half of the audit sink.
type AuditRepo interface {
	// Head returns the latest row for a partition, or ok=false when
	// the chain is empty.
	Head(ctx context.Context, partition string) (AuditRow, bool, error)
	// Append inserts a row; ErrChainConflict on (partition, record_id)
	// collision.
	Append(ctx context.Context, row AuditRow) error
	// List returns rows ordered by record_id starting at fromID.
	List(ctx context.Context, partition string, fromID int64, limit int) ([]AuditRow, error)
}
