package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	fp "WaterfallLedger/internal/math"
)

// PathEnv names the optional YAML file layered over the defaults.
const PathEnv = "WATERFALL_CONFIG"

const (
	LedgerModeRPC       = "rpc"
	LedgerModeSimulated = "simulated"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config holds all application configuration.
type Config struct {
	// Postgres. Empty keeps agreements in memory.
	PostgresURL string `yaml:"postgres_dsn"`
	// NATS. Empty disables event ingestion and publishing.
	NATSURL string `yaml:"nats_url"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	MigrationsDir          string `yaml:"migrations_dir"`
	IdempotencyLRUCapacity int    `yaml:"idempotency_lru_capacity"`
	IngestWorkers          int    `yaml:"ingest_workers"`

	// Percent string, e.g. "1.5". Default for agreements created over HTTP.
	PlatformFee string  `yaml:"platform_fee_rate"`
	FeeRate     fp.Rate `yaml:"-"`

	Ledger    LedgerConfig    `yaml:"ledger"`
	Hook      HookConfig      `yaml:"hook"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Signing secrets by wallet address.
	WalletSecrets map[string]string `yaml:"wallet_secrets"`
}

// LedgerConfig selects and tunes the ledger gateway.
type LedgerConfig struct {
	Mode              string   `yaml:"mode"`
	RPCURL            string   `yaml:"rpc_url"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	ValidityWindow    uint32   `yaml:"validity_window"`
	PollInterval      Duration `yaml:"poll_interval"`
	CloseTime         Duration `yaml:"close_time"`
	FeeDrops          int64    `yaml:"fee_drops"`
	NetworkID         uint32   `yaml:"network_id"`
	// Opening balances (XRP strings by address) for simulated mode.
	SimulatedFunding map[string]string `yaml:"simulated_funding"`
}

// HookConfig controls how long the orchestrator looks for hook evidence.
type HookConfig struct {
	PollAttempts int      `yaml:"poll_attempts"`
	PollInterval Duration `yaml:"poll_interval"`
}

// ReconcileConfig controls the background reconciler.
type ReconcileConfig struct {
	Interval Duration `yaml:"interval"`
	// XRP string; hook counter differences at or below it are ignored.
	Tolerance      string   `yaml:"tolerance"`
	ToleranceDrops fp.Drops `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:               ":8080",
		MetricsAddr:            ":9091",
		MigrationsDir:          "migrations",
		IdempotencyLRUCapacity: 100_000,
		IngestWorkers:          4,
		PlatformFee:            "0",
		Ledger: LedgerConfig{
			Mode:              LedgerModeSimulated,
			RPCURL:            "https://xahau-test.net",
			RequestsPerSecond: 10,
			Burst:             5,
			ValidityWindow:    20,
			PollInterval:      Duration{time.Second},
			CloseTime:         Duration{4 * time.Second},
			FeeDrops:          12,
		},
		Hook: HookConfig{
			PollAttempts: 3,
			PollInterval: Duration{2 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Interval:  Duration{5 * time.Minute},
			Tolerance: "0",
		},
		WalletSecrets: map[string]string{},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// WATERFALL_CONFIG, then WATERFALL_* environment overrides.
func Load() (Config, error) {
	return LoadFrom(os.Getenv(PathEnv))
}

// LoadFrom is Load with an explicit file path. An empty path skips the file.
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.PostgresURL = envOrDefault("WATERFALL_POSTGRES_DSN", cfg.PostgresURL)
	cfg.NATSURL = envOrDefault("WATERFALL_NATS_URL", cfg.NATSURL)
	cfg.HTTPAddr = envOrDefault("WATERFALL_HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = envOrDefault("WATERFALL_METRICS_ADDR", cfg.MetricsAddr)
	cfg.MigrationsDir = envOrDefault("WATERFALL_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.IdempotencyLRUCapacity = envIntOrDefault("WATERFALL_IDEMPOTENCY_LRU_CAPACITY", cfg.IdempotencyLRUCapacity)
	cfg.IngestWorkers = envIntOrDefault("WATERFALL_INGEST_WORKERS", cfg.IngestWorkers)
	cfg.PlatformFee = envOrDefault("WATERFALL_PLATFORM_FEE_RATE", cfg.PlatformFee)

	cfg.Ledger.Mode = envOrDefault("WATERFALL_LEDGER_MODE", cfg.Ledger.Mode)
	cfg.Ledger.RPCURL = envOrDefault("WATERFALL_LEDGER_RPC_URL", cfg.Ledger.RPCURL)
	cfg.Ledger.Burst = envIntOrDefault("WATERFALL_LEDGER_BURST", cfg.Ledger.Burst)
	cfg.Ledger.ValidityWindow = uint32(envIntOrDefault("WATERFALL_LEDGER_VALIDITY_WINDOW", int(cfg.Ledger.ValidityWindow)))
	cfg.Ledger.PollInterval.Duration = envDurationOrDefault("WATERFALL_LEDGER_POLL_INTERVAL", cfg.Ledger.PollInterval.Duration)
	cfg.Ledger.CloseTime.Duration = envDurationOrDefault("WATERFALL_LEDGER_CLOSE_TIME", cfg.Ledger.CloseTime.Duration)
	if v := os.Getenv("WATERFALL_LEDGER_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ledger.RequestsPerSecond = f
		}
	}

	cfg.Hook.PollAttempts = envIntOrDefault("WATERFALL_HOOK_POLL_ATTEMPTS", cfg.Hook.PollAttempts)
	cfg.Hook.PollInterval.Duration = envDurationOrDefault("WATERFALL_HOOK_POLL_INTERVAL", cfg.Hook.PollInterval.Duration)

	cfg.Reconcile.Interval.Duration = envDurationOrDefault("WATERFALL_RECONCILE_INTERVAL", cfg.Reconcile.Interval.Duration)
	cfg.Reconcile.Tolerance = envOrDefault("WATERFALL_RECONCILE_TOLERANCE", cfg.Reconcile.Tolerance)

	// WATERFALL_WALLET_SECRETS=rAddr1=sSecret1,rAddr2=sSecret2
	if v := os.Getenv("WATERFALL_WALLET_SECRETS"); v != "" {
		if cfg.WalletSecrets == nil {
			cfg.WalletSecrets = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			addr, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && addr != "" {
				cfg.WalletSecrets[addr] = secret
			}
		}
	}
}

func (c *Config) normalise() error {
	var errs []error

	rate, err := fp.ParseRate(c.PlatformFee)
	if err != nil || rate < 0 || rate > fp.HundredPercent {
		errs = append(errs, fmt.Errorf("platform_fee_rate %q must be a percent between 0 and 100", c.PlatformFee))
	}
	c.FeeRate = rate

	tol, err := fp.ParseXRP(c.Reconcile.Tolerance)
	if err != nil || tol < 0 {
		errs = append(errs, fmt.Errorf("reconcile tolerance %q must be a non-negative XRP amount", c.Reconcile.Tolerance))
	}
	c.Reconcile.ToleranceDrops = tol

	switch c.Ledger.Mode {
	case LedgerModeSimulated:
	case LedgerModeRPC:
		if strings.TrimSpace(c.Ledger.RPCURL) == "" {
			errs = append(errs, fmt.Errorf("ledger rpc_url must be configured in rpc mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger mode %q must be %q or %q", c.Ledger.Mode, LedgerModeRPC, LedgerModeSimulated))
	}
	if c.Ledger.ValidityWindow == 0 {
		errs = append(errs, fmt.Errorf("ledger validity_window must be positive"))
	}
	if c.Hook.PollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("hook poll_attempts must be positive"))
	}
	if c.IdempotencyLRUCapacity <= 0 {
		c.IdempotencyLRUCapacity = Default().IdempotencyLRUCapacity
	}
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = 1
	}
	if c.WalletSecrets == nil {
		c.WalletSecrets = map[string]string{}
	}
	return errors.Join(errs...)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
