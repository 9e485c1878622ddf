// Package config loads the service configuration from YAML with
// environment overrides for deployment-supplied secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to accept "300ms"/"2m"/"1h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"300ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Redis     RedisConfig          `yaml:"redis"`
	Postgres  PostgresConfig       `yaml:"postgres"`
	Kernel    KernelConfig         `yaml:"kernel"`
	Cache     CacheConfig          `yaml:"cache"`
	Upstream  UpstreamConfig       `yaml:"upstream"`
	Resolver  ResolverConfig       `yaml:"resolver"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Audit     AuditConfig          `yaml:"audit"`
	APIKeys   map[string]APIClient `yaml:"api_keys"`
}

type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	RequestDeadline Duration `yaml:"request_deadline"`
	ShutdownGrace   Duration `yaml:"shutdown_grace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

type KernelConfig struct {
	VFactor       string `yaml:"v_factor"`
	EFactor       string `yaml:"e_factor"`
	DayCountBasis int    `yaml:"day_count_basis"`
}

type CacheConfig struct {
	Env          string              `yaml:"env"`
	L1MaxEntries int                 `yaml:"l1_max_entries"`
	L1TTLCeiling Duration            `yaml:"l1_ttl_ceiling"`
	TTLs         map[string]Duration `yaml:"ttls"`
	OpTimeout    Duration            `yaml:"op_timeout"`
}

type ProviderConfig struct {
	BaseURL    string  `yaml:"base_url"`
	PathFormat string  `yaml:"path_format"`
	ValueField string  `yaml:"value_field"`
	MaxRPS     float64 `yaml:"max_rps"`
}

type UpstreamConfig struct {
	RetryAttempts int      `yaml:"retry_attempts"`
	BaseBackoff   Duration `yaml:"base_backoff"`
	Deadline      Duration `yaml:"deadline"`

	BreakerFailureThreshold uint32   `yaml:"breaker_failure_threshold"`
	BreakerSuccessThreshold uint32   `yaml:"breaker_success_threshold"`
	BreakerRecoveryTimeout  Duration `yaml:"breaker_recovery_timeout"`

	BorrowRate ProviderConfig `yaml:"borrow_rate"`
	Volatility ProviderConfig `yaml:"volatility"`
	EventRisk  ProviderConfig `yaml:"event_risk"`
}

type ResolverConfig struct {
	GlobalMinRate     string `yaml:"global_min_rate"`
	DefaultVolatility string `yaml:"default_volatility"`
	DefaultEventRisk  string `yaml:"default_event_risk"`
	EnableFallback    *bool  `yaml:"enable_fallback"`
}

type BucketConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Burst           int     `yaml:"burst"`
}

type RateLimitConfig struct {
	Default   BucketConfig            `yaml:"default"`
	Tiers     map[string]BucketConfig `yaml:"tiers"`
	KeyPrefix string                  `yaml:"key_prefix"`
	OpTimeout Duration                `yaml:"op_timeout"`
}

type AuditConfig struct {
	Partition string   `yaml:"partition"`
	Deadline  Duration `yaml:"audit_deadline"`
}

// APIClient maps an API key to the identity it authenticates.
type APIClient struct {
	ClientID string `yaml:"client_id"`
	Tier     string `yaml:"tier"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	enable := true
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			RequestDeadline: Duration(5 * time.Second),
			ShutdownGrace:   Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info"},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: PostgresConfig{
			DSN:             "postgres://locatepricer@localhost:5432/locatepricer?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Kernel: KernelConfig{
			VFactor:       "0.01",
			EFactor:       "0.05",
			DayCountBasis: 360,
		},
		Cache: CacheConfig{
			Env:          "prod",
			L1MaxEntries: 1000,
			L1TTLCeiling: Duration(60 * time.Second),
			OpTimeout:    Duration(200 * time.Millisecond),
		},
		Upstream: UpstreamConfig{
			RetryAttempts:           2,
			BaseBackoff:             Duration(100 * time.Millisecond),
			Deadline:                Duration(5 * time.Second),
			BreakerFailureThreshold: 3,
			BreakerSuccessThreshold: 2,
			BreakerRecoveryTimeout:  Duration(30 * time.Second),
			BorrowRate:              ProviderConfig{PathFormat: "/v1/borrow-rate/%s", ValueField: "rate"},
			Volatility:              ProviderConfig{PathFormat: "/v1/volatility/%s", ValueField: "index"},
			EventRisk:               ProviderConfig{PathFormat: "/v1/event-risk/%s", ValueField: "factor"},
		},
		Resolver: ResolverConfig{
			GlobalMinRate:     "0.0025",
			DefaultVolatility: "20",
			DefaultEventRisk:  "0",
			EnableFallback:    &enable,
		},
		RateLimit: RateLimitConfig{
			Default:   BucketConfig{Capacity: 60, RefillPerSecond: 1},
			KeyPrefix: "ratelimit",
			OpTimeout: Duration(50 * time.Millisecond),
		},
		Audit: AuditConfig{
			Partition: "default",
			Deadline:  Duration(time.Second),
		},
	}
}

// Load reads path (optional) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if _, err := decimal.NewFromString(c.Kernel.VFactor); err != nil {
		return fmt.Errorf("kernel.v_factor: %w", err)
	}
	if _, err := decimal.NewFromString(c.Kernel.EFactor); err != nil {
		return fmt.Errorf("kernel.e_factor: %w", err)
	}
	if c.Kernel.DayCountBasis <= 0 {
		return fmt.Errorf("kernel.day_count_basis must be positive")
	}
	if _, err := decimal.NewFromString(c.Resolver.GlobalMinRate); err != nil {
		return fmt.Errorf("resolver.global_min_rate: %w", err)
	}
	if _, err := decimal.NewFromString(c.Resolver.DefaultVolatility); err != nil {
		return fmt.Errorf("resolver.default_volatility: %w", err)
	}
	if _, err := decimal.NewFromString(c.Resolver.DefaultEventRisk); err != nil {
		return fmt.Errorf("resolver.default_event_risk: %w", err)
	}
	if c.Cache.L1MaxEntries <= 0 {
		return fmt.Errorf("cache.l1_max_entries must be positive")
	}
	if c.Server.RequestDeadline <= 0 {
		return fmt.Errorf("server.request_deadline must be positive")
	}
	for key, client := range c.APIKeys {
		if client.ClientID == "" {
			return fmt.Errorf("api_keys[%s]: client_id is required", key)
		}
	}
	return nil
}
