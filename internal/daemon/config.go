// Package daemon loads configuration and wires the wallet server together.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/rg-fling/rgfling/internal/app/wallet"
)

// Config is the full rgfling configuration, read from
// $RGFLING_HOME/config.toml and overridden by RGFLING_* variables.
type Config struct {
	API      APIConfig      `toml:"api"`
	Storage  StorageConfig  `toml:"storage"`
	Lock     LockConfig     `toml:"lock"`
	Wallet   WalletConfig   `toml:"wallet"`
	Rewards  RewardsConfig  `toml:"rewards"`
	Auth     AuthConfig     `toml:"auth"`
	Payments PaymentsConfig `toml:"payments"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host" env:"RGFLING_API_HOST"`
	Port           int    `toml:"port" env:"RGFLING_API_PORT"`
	RequestTimeout string `toml:"request_timeout" env:"RGFLING_API_REQUEST_TIMEOUT"`
	ServerURL      string `toml:"server_url" env:"RGFLING_SERVER"` // used by client commands
}

// StorageConfig selects the ledger store.
type StorageConfig struct {
	Driver   string `toml:"driver" env:"RGFLING_STORAGE_DRIVER"` // "sqlite" or "postgres"
	Dir      string `toml:"dir" env:"RGFLING_STORAGE_DIR"`       // sqlite only; defaults to $RGFLING_HOME/data
	DSN      string `toml:"dsn" env:"RGFLING_DATABASE_URL"`      // postgres only
	MaxConns int32  `toml:"max_conns" env:"RGFLING_DATABASE_MAX_CONNS"`
}

// LockConfig selects the per-account lock backend.
type LockConfig struct {
	Backend       string `toml:"backend" env:"RGFLING_LOCK_BACKEND"` // "local" or "redis"
	Wait          string `toml:"wait" env:"RGFLING_LOCK_WAIT"`
	RedisAddr     string `toml:"redis_addr" env:"RGFLING_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"RGFLING_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"RGFLING_REDIS_DB"`
	Prefix        string `toml:"prefix" env:"RGFLING_LOCK_PREFIX"`
	TTL           string `toml:"ttl" env:"RGFLING_LOCK_TTL"`
}

// WalletConfig bounds wallet operations.
type WalletConfig struct {
	OpTimeout string `toml:"op_timeout" env:"RGFLING_WALLET_OP_TIMEOUT"`
}

// RewardsConfig sets reward amounts and the fallback day boundary.
type RewardsConfig struct {
	DailyTable     []int64 `toml:"daily_table" env:"RGFLING_REWARDS_DAILY_TABLE" env-separator:","`
	SignupBonus    int64   `toml:"signup_bonus" env:"RGFLING_REWARDS_SIGNUP_BONUS"`
	CourseComplete int64   `toml:"course_complete" env:"RGFLING_REWARDS_COURSE_COMPLETE"`
	Timezone       string  `toml:"timezone" env:"RGFLING_REWARDS_TIMEZONE"`
	Seed           uint64  `toml:"seed" env:"RGFLING_REWARDS_SEED"` // 0 seeds from the clock
}

// AuthConfig enables bearer auth. Empty values leave it off.
type AuthConfig struct {
	JWTSecret  string `toml:"jwt_secret" env:"RGFLING_JWT_SECRET"`
	AdminToken string `toml:"admin_token" env:"RGFLING_ADMIN_TOKEN"`
}

// PaymentsConfig configures the top-up webhook.
type PaymentsConfig struct {
	Enabled       bool   `toml:"enabled" env:"RGFLING_PAYMENTS_ENABLED"`
	WebhookSecret string `toml:"webhook_secret" env:"RGFLING_PAYMENTS_WEBHOOK_SECRET"`
	CoinsPerUnit  int64  `toml:"coins_per_unit" env:"RGFLING_PAYMENTS_COINS_PER_UNIT"`
	Currency      string `toml:"currency" env:"RGFLING_PAYMENTS_CURRENCY"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level" env:"RGFLING_LOG_LEVEL"`
	Format string `toml:"format" env:"RGFLING_LOG_FORMAT"` // "json" or "console"
}

// MetricsConfig toggles /metrics and the span tracer.
type MetricsConfig struct {
	Enabled  bool `toml:"enabled" env:"RGFLING_METRICS_ENABLED"`
	Tracing  bool `toml:"tracing" env:"RGFLING_TRACING_ENABLED"`
	MaxSpans int  `toml:"max_spans" env:"RGFLING_TRACING_MAX_SPANS"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			RequestTimeout: "30s",
			ServerURL:      "http://127.0.0.1:8787",
		},
		Storage: StorageConfig{
			Driver:   "sqlite",
			MaxConns: 10,
		},
		Lock: LockConfig{
			Backend:   "local",
			Wait:      "2s",
			RedisAddr: "127.0.0.1:6379",
			Prefix:    "rgfling:lock:",
			TTL:       "10s",
		},
		Wallet: WalletConfig{
			OpTimeout: "5s",
		},
		Rewards: RewardsConfig{
			DailyTable:     append([]int64(nil), wallet.DailySpinTable...),
			SignupBonus:    1000,
			CourseComplete: 100,
			Timezone:       "UTC",
		},
		Payments: PaymentsConfig{
			CoinsPerUnit: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Tracing:  true,
			MaxSpans: 2000,
		},
	}
}

// Home returns $RGFLING_HOME, or ~/.rgfling.
func Home() string {
	if h := os.Getenv("RGFLING_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rgfling"
	}
	return filepath.Join(home, ".rgfling")
}

// ConfigPath returns the default config file location.
func ConfigPath() string { return filepath.Join(Home(), "config.toml") }

// Load reads .env (if present), the config file (if present) and the
// environment, then validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(ConfigPath())
}

// LoadFile reads path over DefaultConfig and applies environment overrides.
// A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Join(Home(), "data")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as TOML, creating parent directories.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.API.Port <= 0 || c.API.Port > 65535 {
		add("api.port %d out of range", c.API.Port)
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn required for postgres")
		}
	default:
		add("storage.driver %q: want sqlite or postgres", c.Storage.Driver)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			add("lock.redis_addr required for redis")
		}
	default:
		add("lock.backend %q: want local or redis", c.Lock.Backend)
	}
	for name, v := range map[string]string{
		"api.request_timeout": c.API.RequestTimeout,
		"lock.wait":           c.Lock.Wait,
		"lock.ttl":            c.Lock.TTL,
		"wallet.op_timeout":   c.Wallet.OpTimeout,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			add("%s %q: want a positive duration", name, v)
		}
	}
	if len(c.Rewards.DailyTable) == 0 {
		add("rewards.daily_table must not be empty")
	}
	for _, v := range c.Rewards.DailyTable {
		if v <= 0 {
			add("rewards.daily_table: %d is not positive", v)
		}
	}
	if c.Rewards.SignupBonus < 0 {
		add("rewards.signup_bonus must not be negative")
	}
	if c.Rewards.CourseComplete < 0 {
		add("rewards.course_complete must not be negative")
	}
	if _, err := time.LoadLocation(c.Rewards.Timezone); err != nil {
		add("rewards.timezone %q: %v", c.Rewards.Timezone, err)
	}
	if c.Payments.Enabled {
		if c.Payments.WebhookSecret == "" {
			add("payments.webhook_secret required when payments are enabled")
		}
		if c.Payments.CoinsPerUnit <= 0 {
			add("payments.coins_per_unit must be positive")
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		add("log.format %q: want json or console", c.Log.Format)
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c APIConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ServiceConfig converts the wallet and rewards sections. Call after Validate.
func (c Config) ServiceConfig() wallet.Config {
	loc, err := time.LoadLocation(c.Rewards.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return wallet.Config{
		OpTimeout:      mustDuration(c.Wallet.OpTimeout, 5*time.Second),
		DailySpinTable: append([]int64(nil), c.Rewards.DailyTable...),
		SignupBonus:    c.Rewards.SignupBonus,
		CourseComplete: c.Rewards.CourseComplete,
		Location:       loc,
	}
}

// mustDuration parses s, falling back to def on error.
func mustDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
