package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lendpool/locatepricer/internal/persistence"
)

// auditRepo implements AuditRepo for PostgreSQL. The unique index on
// (partition, record_id) is what makes the chain append-only: a lost
// race surfaces as ErrChainConflict instead of a fork.
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL-backed audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Head(ctx context.Context, partition string) (persistence.AuditRow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row persistence.AuditRow
	query := `
		SELECT record_id, partition, ts, prev_hash, self_hash, payload_json
		FROM audit_records
		WHERE partition = $1
		ORDER BY record_id DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, partition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.AuditRow{}, false, nil
		}
		return persistence.AuditRow{}, false, fmt.Errorf("query audit head: %w", err)
	}
	return row, true, nil
}

func (r *auditRepo) Append(ctx context.Context, row persistence.AuditRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO audit_records (record_id, partition, ts, prev_hash, self_hash, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query,
		row.RecordID, row.Partition, row.Timestamp, row.PrevHash, row.SelfHash, row.Payload)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: partition %s record %d", persistence.ErrChainConflict, row.Partition, row.RecordID)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *auditRepo) List(ctx context.Context, partition string, fromID int64, limit int) ([]persistence.AuditRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	var rows []persistence.AuditRow
	query := `
		SELECT record_id, partition, ts, prev_hash, self_hash, payload_json
		FROM audit_records
		WHERE partition = $1 AND record_id >= $2
		ORDER BY record_id ASC
		LIMIT $3`
	if err := r.db.SelectContext(ctx, &rows, query, partition, fromID, limit); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return rows, nil
}
