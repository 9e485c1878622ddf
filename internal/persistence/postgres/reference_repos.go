package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lendpool/locatepricer/internal/domain"
	"github.com/lendpool/locatepricer/internal/persistence"
)

// securityRepo implements SecurityRepo for PostgreSQL.
type securityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSecurityRepo creates a PostgreSQL-backed security repository.
func NewSecurityRepo(db *sqlx.DB, timeout time.Duration) persistence.SecurityRepo {
	return &securityRepo{db: db, timeout: timeout}
}

func (r *securityRepo) Get(ctx context.Context, ticker string) (domain.Security, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sec domain.Security
	query := `
		SELECT ticker, lend_status, min_borrow_rate, last_updated
		FROM securities
		WHERE ticker = $1`
	if err := r.db.GetContext(ctx, &sec, query, ticker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Security{}, fmt.Errorf("%w: %s", domain.ErrUnknownTicker, ticker)
		}
		return domain.Security{}, fmt.Errorf("query security %s: %w", ticker, err)
	}
	return sec, nil
}

// brokerRepo implements BrokerRepo for PostgreSQL.
type brokerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBrokerRepo creates a PostgreSQL-backed broker config repository.
func NewBrokerRepo(db *sqlx.DB, timeout time.Duration) persistence.BrokerRepo {
	return &brokerRepo{db: db, timeout: timeout}
}

func (r *brokerRepo) Get(ctx context.Context, clientID string) (domain.BrokerConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cfg domain.BrokerConfig
	query := `
		SELECT client_id, markup_pct, fee_type, fee_amount, active, last_updated
		FROM broker_configs
		WHERE client_id = $1`
	if err := r.db.GetContext(ctx, &cfg, query, clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BrokerConfig{}, domain.ErrUnknownClient
		}
		return domain.BrokerConfig{}, fmt.Errorf("query broker config: %w", err)
	}
	return cfg, nil
}
