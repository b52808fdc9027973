// Package config loads the resale-sync configuration.
//
// Configuration comes from one YAML file named by the --config flag or the
// RESALE_CONFIG environment variable. Files ending in .json or .jsonc are
// accepted too; comments and trailing commas are stripped first. Secrets and DSNs are never required
// in the file: RESALE_* environment variables override them after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigPath    = "RESALE_CONFIG"
	EnvPostgresDSN   = "RESALE_POSTGRES_DSN"
	EnvClickHouseDSN = "RESALE_CLICKHOUSE_DSN"
	EnvAdminToken    = "RESALE_ADMIN_TOKEN"
	EnvPredictorKey  = "RESALE_PREDICTOR_API_KEY"
	EnvAlertWebhook  = "RESALE_ALERT_WEBHOOK_URL"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Platform kinds.
const (
	KindHTTP       = "http"
	KindSignedFeed = "signed_feed"
	KindMock       = "mock"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	Workers   WorkersConfig    `yaml:"workers"`
	Retry     RetryConfig      `yaml:"retry"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Ingestion IngestionConfig  `yaml:"ingestion"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Pricing   PricingConfig    `yaml:"pricing"`
	Alert     AlertConfig      `yaml:"alert"`
	Platforms []PlatformConfig `yaml:"platforms"`
}

// ServerConfig configures the HTTP listener serving webhooks, the admin
// API and metrics.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"` // empty disables admin auth
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to the console encoder.
	Development bool `yaml:"development"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver        string `yaml:"driver"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"` // optional audit/outcome analytics
	Shards        int    `yaml:"shards"`         // memory ledger shards
}

// WorkersConfig configures the job worker pool.
type WorkersConfig struct {
	Count         int           `yaml:"count"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	OutcomeBatch  int           `yaml:"outcome_batch"`
}

// RetryConfig configures per-action retry budgets and backoff.
type RetryConfig struct {
	ListAttempts        int           `yaml:"list_attempts"`
	UpdatePriceAttempts int           `yaml:"update_price_attempts"`
	DelistAttempts      int           `yaml:"delist_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
}

// BreakerConfig configures the per-platform circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// IngestionConfig configures sale event intake.
type IngestionConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollConcurrency  int           `yaml:"poll_concurrency"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	DispatchBatch    int           `yaml:"dispatch_batch"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

// ReconcileConfig configures the reconciliation loop.
type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	SaleTimeout time.Duration `yaml:"sale_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// PricingConfig configures the automated pricing loop. Prices are decimal
// strings so the file never round-trips money through float64.
type PricingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	PredictorURL    string        `yaml:"predictor_url"`
	PredictorAPIKey string        `yaml:"predictor_api_key"`
	MinPrice        string        `yaml:"min_price"`
	MaxPrice        string        `yaml:"max_price"`
	MaxChange       string        `yaml:"max_change"` // fraction, "0.15" = 15%
	MaxUncertainty  string        `yaml:"max_uncertainty"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

// AlertConfig configures operator alerting. Alerts are always logged; a
// webhook URL adds delivery to an external endpoint.
type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PlatformConfig configures one marketplace connector.
type PlatformConfig struct {
	Name          string        `yaml:"name"`
	Kind          string        `yaml:"kind"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	PublicKey     string        `yaml:"public_key"` // signed_feed only
	StreamURL     string        `yaml:"stream_url"` // optional websocket sale feed
	RateLimit     float64       `yaml:"rate_limit"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default returns the configuration used for every field the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Shards: 16,
		},
		Workers: WorkersConfig{
			Count:         8,
			FlushInterval: 5 * time.Second,
			OutcomeBatch:  500,
		},
		Retry: RetryConfig{
			ListAttempts:        5,
			UpdatePriceAttempts: 3,
			DelistAttempts:      10,
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         time.Minute,
			CallTimeout:         10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Ingestion: IngestionConfig{
			PollInterval:     2 * time.Minute,
			PollConcurrency:  4,
			DispatchInterval: 5 * time.Second,
			DispatchBatch:    100,
			MaxBodyBytes:     1 << 20,
		},
		Reconcile: ReconcileConfig{
			Interval:    5 * time.Minute,
			SaleTimeout: 5 * time.Minute,
			Concurrency: 4,
		},
		Pricing: PricingConfig{
			Interval:  15 * time.Minute,
			MaxChange: "0.15",
			Cooldown:  30 * time.Minute,
		},
		Alert: AlertConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads the file at path, or RESALE_CONFIG when path is empty, and
// applies environment overrides. A missing path yields the defaults plus
// overrides, which is enough for the in-memory demo setup.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges the file at path into c. JSON is a subset of YAML, so
// JSONC only needs stripping before the same decoder runs.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides secrets and DSNs from the environment.
// Platform secrets use RESALE_<NAME>_API_KEY and RESALE_<NAME>_WEBHOOK_SECRET.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Storage.PostgresDSN, EnvPostgresDSN)
	set(&c.Storage.ClickHouseDSN, EnvClickHouseDSN)
	set(&c.Server.AdminToken, EnvAdminToken)
	set(&c.Pricing.PredictorAPIKey, EnvPredictorKey)
	set(&c.Alert.WebhookURL, EnvAlertWebhook)

	for i := range c.Platforms {
		p := &c.Platforms[i]
		prefix := "RESALE_" + envName(p.Name) + "_"
		set(&p.APIKey, prefix+"API_KEY")
		set(&p.WebhookSecret, prefix+"WEBHOOK_SECRET")
		set(&p.PublicKey, prefix+"PUBLIC_KEY")
	}
	if c.Storage.Driver == DriverMemory && c.Storage.PostgresDSN != "" {
		c.Storage.Driver = DriverPostgres
	}
}

// envName turns a platform name into an environment variable fragment.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: invalid level %q", c.Log.Level))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be positive"))
	}
	if c.Retry.ListAttempts <= 0 || c.Retry.UpdatePriceAttempts <= 0 || c.Retry.DelistAttempts <= 0 {
		errs = append(errs, errors.New("retry attempts must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}

	if c.Pricing.Enabled && c.Pricing.PredictorURL == "" {
		errs = append(errs, errors.New("pricing.predictor_url is required when pricing is enabled"))
	}
	if _, err := c.Pricing.Bounds(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Platforms) == 0 {
		errs = append(errs, errors.New("at least one platform is required"))
	}
	seen := make(map[string]bool, len(c.Platforms))
	for i, p := range c.Platforms {
		field := fmt.Sprintf("platforms[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate platform %q", field, p.Name))
		}
		seen[p.Name] = true

		switch p.Kind {
		case KindMock:
		case KindHTTP:
			if p.BaseURL == "" || p.WebhookSecret == "" {
				errs = append(errs, fmt.Errorf("%s (%s): base_url and webhook_secret are required", field, p.Name))
			}
		case KindSignedFeed:
			if p.BaseURL == "" || p.PublicKey == "" {
				errs = append(errs, fmt.Errorf("%s (%s): base_url and public_key are required", field, p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s (%s): unknown kind %q", field, p.Name, p.Kind))
		}
	}

	return errors.Join(errs...)
}

// PriceBounds are the parsed pricing guardrail values. Zero disables a bound.
type PriceBounds struct {
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	MaxChange      decimal.Decimal
	MaxUncertainty decimal.Decimal
}

// Bounds parses the decimal fields of the pricing section.
func (p PricingConfig) Bounds() (PriceBounds, error) {
	var b PriceBounds
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"pricing.min_price", p.MinPrice, &b.MinPrice},
		{"pricing.max_price", p.MaxPrice, &b.MaxPrice},
		{"pricing.max_change", p.MaxChange, &b.MaxChange},
		{"pricing.max_uncertainty", p.MaxUncertainty, &b.MaxUncertainty},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return b, fmt.Errorf("%s: %w", f.name, err)
		}
		if d.IsNegative() {
			return b, fmt.Errorf("%s: must not be negative", f.name)
		}
		*f.dst = d
	}
	if b.MinPrice.IsPositive() && b.MaxPrice.IsPositive() && b.MinPrice.GreaterThan(b.MaxPrice) {
		return b, errors.New("pricing.min_price exceeds pricing.max_price")
	}
	return b, nil
}
