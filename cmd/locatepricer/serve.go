package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/lendpool/locatepricer/internal/application"
	"github.com/lendpool/locatepricer/internal/audit"
	"github.com/lendpool/locatepricer/internal/cache"
	"github.com/lendpool/locatepricer/internal/config"
	"github.com/lendpool/locatepricer/internal/domain"
	httpapi "github.com/lendpool/locatepricer/internal/interfaces/http"
	"github.com/lendpool/locatepricer/internal/metrics"
	"github.com/lendpool/locatepricer/internal/persistence/postgres"
	"github.com/lendpool/locatepricer/internal/ratelimit"
	"github.com/lendpool/locatepricer/internal/resolver"
	"github.com/lendpool/locatepricer/internal/upstream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pricing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

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

	reg := metrics.New()

	ttls := make(map[cache.Kind]time.Duration, len(cfg.Cache.TTLs))
	for kind, ttl := range cfg.Cache.TTLs {
		ttls[cache.Kind(kind)] = ttl.Std()
	}
	l1 := cache.NewL1(cfg.Cache.L1MaxEntries, cfg.Cache.L1TTLCeiling.Std())
	store := cache.NewRedisStore(rdb, cache.RedisStoreConfig{OpTimeout: cfg.Cache.OpTimeout.Std()}, log)
	tiered := cache.NewTiered(cfg.Cache.Env, l1, store, ttls, reg, log)
	go tiered.Run(ctx)

	breakerCfg := upstream.BreakerConfig{
		FailureThreshold: cfg.Upstream.BreakerFailureThreshold,
		SuccessThreshold: cfg.Upstream.BreakerSuccessThreshold,
		RecoveryTimeout:  cfg.Upstream.BreakerRecoveryTimeout.Std(),
	}
	newClient := func(kind upstream.ProviderKind, p config.ProviderConfig) *upstream.Breaker {
		adapter := upstream.NewHTTPAdapter(upstream.AdapterConfig{
			Kind:        kind,
			BaseURL:     p.BaseURL,
			PathFormat:  p.PathFormat,
			ValueField:  p.ValueField,
			Retries:     cfg.Upstream.RetryAttempts,
			BaseBackoff: cfg.Upstream.BaseBackoff.Std(),
			Timeout:     cfg.Upstream.Deadline.Std(),
			MaxRPS:      p.MaxRPS,
		}, nil, reg, log)
		return upstream.NewBreaker(adapter, breakerCfg, reg, log)
	}
	rateClient := newClient(upstream.ProviderBorrowRate, cfg.Upstream.BorrowRate)
	volClient := newClient(upstream.ProviderVolatility, cfg.Upstream.Volatility)
	eventClient := newClient(upstream.ProviderEventRisk, cfg.Upstream.EventRisk)

	securities := postgres.NewSecurityRepo(db, 2*time.Second)
	brokers := postgres.NewBrokerRepo(db, 2*time.Second)
	auditRepo := postgres.NewAuditRepo(db, cfg.Audit.Deadline.Std())

	enableFallback := true
	if cfg.Resolver.EnableFallback != nil {
		enableFallback = *cfg.Resolver.EnableFallback
	}
	res := resolver.New(tiered, rateClient, volClient, eventClient, securities, brokers,
		resolver.Config{
			GlobalMinRate:     decimal.RequireFromString(cfg.Resolver.GlobalMinRate),
			DefaultVolatility: decimal.RequireFromString(cfg.Resolver.DefaultVolatility),
			DefaultEventRisk:  decimal.RequireFromString(cfg.Resolver.DefaultEventRisk),
			EnableFallback:    enableFallback,
		}, reg, log)

	sink := audit.NewSink(auditRepo, cfg.Audit.Partition, cfg.Audit.Deadline.Std(), reg, log)
	kernel := domain.NewKernel(domain.KernelParams{
		VFactor:       decimal.RequireFromString(cfg.Kernel.VFactor),
		EFactor:       decimal.RequireFromString(cfg.Kernel.EFactor),
		DayCountBasis: cfg.Kernel.DayCountBasis,
	})
	pricer := application.NewPricer(kernel, res, tiered, sink, reg, log)

	limitTiers := make(map[string]ratelimit.BucketParams, len(cfg.RateLimit.Tiers))
	for tier, bucket := range cfg.RateLimit.Tiers {
		limitTiers[tier] = ratelimit.BucketParams(bucket)
	}
	limiter := ratelimit.New(rdb, ratelimit.Config{
		Default:   ratelimit.BucketParams(cfg.RateLimit.Default),
		Tiers:     limitTiers,
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		OpTimeout: cfg.RateLimit.OpTimeout.Std(),
	}, reg, log)

	keyring := httpapi.StaticKeyring{}
	for key, client := range cfg.APIKeys {
		keyring[key] = domain.ClientIdentity{ClientID: client.ClientID, Tier: client.Tier}
	}

	srv := httpapi.New(httpapi.Options{
		Pricer:   pricer,
		Limiter:  limiter,
		Keyring:  keyring,
		Metrics:  reg.Handler(),
		Deadline: cfg.Server.RequestDeadline.Std(),
		RedisPing: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		DBPing: db.PingContext,
		BreakerStates: func() map[string]string {
			return map[string]string{
				string(upstream.ProviderBorrowRate): rateClient.State(),
				string(upstream.ProviderVolatility): volClient.State(),
				string(upstream.ProviderEventRisk):  eventClient.State(),
			}
		},
	}, log)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
