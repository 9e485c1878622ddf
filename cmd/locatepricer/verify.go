package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lendpool/locatepricer/internal/audit"
	"github.com/lendpool/locatepricer/internal/config"
	"github.com/lendpool/locatepricer/internal/persistence/postgres"
)

func newVerifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit",
		Short: "Replay the audit hash chain and report the first break, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return verifyAudit(cmd.Context(), cfg)
		},
	}
}

func verifyAudit(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.Log)

	db, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime.Std(),
	})
	if err != nil {
		return err
	}
	defer db.Close()

	repo := postgres.NewAuditRepo(db, 10*time.Second)
	sink := audit.NewSink(repo, cfg.Audit.Partition, 10*time.Second, nil, log)

	checked, brk, err := sink.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	if brk != nil {
		return fmt.Errorf("chain break at record %d after %d verified records: %s",
			brk.RecordID, checked, brk.Reason)
	}
	log.Info().Int64("records", checked).Str("partition", cfg.Audit.Partition).
		Msg("audit chain verified")
	return nil
}
