package daemon

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rg-fling/rgfling/internal/app/wallet"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8787 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8787)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Lock.Backend != "local" {
		t.Errorf("Lock.Backend = %q, want local", cfg.Lock.Backend)
	}
	if !slices.Equal(cfg.Rewards.DailyTable, wallet.DailySpinTable) {
		t.Errorf("Rewards.DailyTable = %v, want %v", cfg.Rewards.DailyTable, wallet.DailySpinTable)
	}
	if cfg.Payments.Enabled {
		t.Error("Payments.Enabled should be false by default (opt-in)")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	// The default table must be a copy.
	cfg.Rewards.DailyTable[0] = -1
	if wallet.DailySpinTable[0] == -1 {
		t.Error("DefaultConfig shares the wallet spin table")
	}
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RGFLING_HOME", home)

	cfg, err := LoadFile(filepath.Join(home, "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.API.Port != 8787 {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
	if want := filepath.Join(home, "data"); cfg.Storage.Dir != want {
		t.Errorf("Storage.Dir = %q, want %q", cfg.Storage.Dir, want)
	}
}

func TestLoadFile_TOMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[api]
port = 9000

[rewards]
daily_table = [5, 10]
timezone = "Africa/Lagos"

[lock]
wait = "750ms"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RGFLING_API_PORT", "9100")
	t.Setenv("RGFLING_REWARDS_SIGNUP_BONUS", "0")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want env override 9100", cfg.API.Port)
	}
	if !slices.Equal(cfg.Rewards.DailyTable, []int64{5, 10}) {
		t.Errorf("DailyTable = %v", cfg.Rewards.DailyTable)
	}
	if cfg.Rewards.SignupBonus != 0 {
		t.Errorf("SignupBonus = %d, want 0", cfg.Rewards.SignupBonus)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want default kept", cfg.API.Host)
	}

	wc := cfg.ServiceConfig()
	if wc.Location.String() != "Africa/Lagos" {
		t.Errorf("Location = %s", wc.Location)
	}
	if wc.OpTimeout != 5*time.Second {
		t.Errorf("OpTimeout = %s", wc.OpTimeout)
	}
}

func TestLoadFile_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[api\nport = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("RGFLING_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.API.Port = 9999
	cfg.Auth.AdminToken = "root"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.API.Port != 9999 || got.Auth.AdminToken != "root" {
		t.Errorf("round trip lost values: %+v", got.API)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad lock backend", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"bad duration", func(c *Config) { c.Wallet.OpTimeout = "soon" }, "wallet.op_timeout"},
		{"zero duration", func(c *Config) { c.Lock.Wait = "0s" }, "lock.wait"},
		{"empty table", func(c *Config) { c.Rewards.DailyTable = nil }, "daily_table"},
		{"negative table entry", func(c *Config) { c.Rewards.DailyTable = []int64{50, -1} }, "daily_table"},
		{"negative signup", func(c *Config) { c.Rewards.SignupBonus = -5 }, "signup_bonus"},
		{"bad timezone", func(c *Config) { c.Rewards.Timezone = "Mars/Base" }, "rewards.timezone"},
		{"payments without secret", func(c *Config) { c.Payments.Enabled = true }, "webhook_secret"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestMustDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"5s", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"", time.Minute}, // Default
		{"-1s", time.Minute},
		{"junk", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := mustDuration(tt.input, time.Minute); got != tt.want {
				t.Errorf("mustDuration(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	if got := (APIConfig{Host: "0.0.0.0", Port: 80}).Addr(); got != "0.0.0.0:80" {
		t.Errorf("Addr = %q", got)
	}
}
