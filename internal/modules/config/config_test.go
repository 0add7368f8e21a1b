package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.yaml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configDirENV, dir)
	t.Setenv(configFilePathENV, "test.yaml")
}

func TestNewConfigDefaultsAndOverrides(t *testing.T) {
	writeConfig(t, `
db_dsn: postgres://file
accounts:
  - id: 7
    enabled: true
  - id: 8
    enabled: false
telegram:
  commands: true
  admin_chats: [100, 200]
engine:
  reconcile:
    interval: 45s
`)
	t.Setenv(databaseDSN, "postgres://env")
	t.Setenv(apiKeyENVPrefix+"7", "key7")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if cfg.DB != "postgres://env" {
		t.Errorf("DB = %q, env must override file", cfg.DB)
	}
	if cfg.Engine.Reconcile.Interval != 45*time.Second {
		t.Errorf("reconcile interval = %v", cfg.Engine.Reconcile.Interval)
	}
	if cfg.Engine.Ingest.LockRetryAttempts != 50 {
		t.Errorf("default lock retry attempts lost: %d", cfg.Engine.Ingest.LockRetryAttempts)
	}
	if got := cfg.EnabledAccounts(); len(got) != 1 || got[0].APIKey != "key7" || got[0].QuoteAsset != "USDT" {
		t.Errorf("enabled accounts = %+v", got)
	}
	if a, ok := cfg.Account(8); !ok || a.Enabled {
		t.Errorf("Account(8) = %+v, %v", a, ok)
	}
	if _, ok := cfg.Account(9); ok {
		t.Error("Account(9) found")
	}
	if !cfg.Telegram.Commands || len(cfg.Telegram.AdminChats) != 2 {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"memory ledger needs no dsn", func(c *Config) { c.Ledger.Driver = "memory" }, false},
		{"postgres needs dsn", func(c *Config) {}, true},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "mysql"; c.DB = "x" }, true},
		{"ladder above one", func(c *Config) {
			c.DB = "x"
			c.Engine.Protection.Ladder = []float64{0.5, 0.6}
		}, true},
		{"duplicate accounts", func(c *Config) {
			c.DB = "x"
			c.Accounts = []Account{{ID: 1}, {ID: 1}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
