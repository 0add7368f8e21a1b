package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV  = "CONFIG_FILE"
	configDirENV       = "CONFIG_DIR"
	tokenTelegramENV   = "TELEGRAM_TOKEN"
	databaseDSN        = "DATABASE_DSN"
	apiKeyENVPrefix    = "BINANCE_API_KEY_"
	apiSecretENVPrefix = "BINANCE_API_SECRET_"
)

type Account struct {
	ID         int64  `yaml:"id"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	QuoteAsset string `yaml:"quote_asset"`
	Enabled    bool   `yaml:"enabled"`
	ChatID     int64  `yaml:"chat_id"`
}

type Entry struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	Timeout            time.Duration `yaml:"timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	BookStaleAfter     time.Duration `yaml:"book_stale_after"`
	MinMarketRemainder float64       `yaml:"min_market_remainder"`
	CompletionRatio    float64       `yaml:"completion_ratio"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
}

type Protection struct {
	Ladder     []float64     `yaml:"ladder"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

type Trailing struct {
	MinRecheck      time.Duration `yaml:"min_recheck"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

type Reconcile struct {
	Interval     time.Duration `yaml:"interval"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	OrderGrace   time.Duration `yaml:"order_grace"`
	OrphanMinAge time.Duration `yaml:"orphan_min_age"`
	LinkSkew     time.Duration `yaml:"link_skew"`
}

type Ingest struct {
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	CloseTTL          time.Duration `yaml:"close_ttl"`
	NotifyTTL         time.Duration `yaml:"notify_ttl"`
	LockRetryAttempts int           `yaml:"lock_retry_attempts"`
	LockRetryBase     time.Duration `yaml:"lock_retry_base"`
	LockRetryJitter   time.Duration `yaml:"lock_retry_jitter"`
}

type Precision struct {
	TTL          time.Duration `yaml:"ttl"`
	WarmParallel int           `yaml:"warm_parallel"`
}

type Signals struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// Config ...
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		LogLevel string `yaml:"log_level"`
		LogJSON  bool   `yaml:"log_json"`
	} `yaml:"service"`

	DB     string `yaml:"db_dsn"`
	Ledger struct {
		Driver   string `yaml:"driver"` // postgres | memory
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"ledger"`

	Telegram struct {
		Token      string  `yaml:"token"`
		Commands   bool    `yaml:"commands"`    // принимать команды оператора
		AdminChats []int64 `yaml:"admin_chats"` // кому разрешены команды
	} `yaml:"telegram"`

	Binance struct {
		Testnet   bool    `yaml:"testnet"`
		RateLimit float64 `yaml:"rate_limit"` // requests per second
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"binance"`

	Accounts []Account `yaml:"accounts"`

	Engine struct {
		Entry      Entry      `yaml:"entry"`
		Protection Protection `yaml:"protection"`
		Trailing   Trailing   `yaml:"trailing"`
		Reconcile  Reconcile  `yaml:"reconcile"`
		Ingest     Ingest     `yaml:"ingest"`
		Precision  Precision  `yaml:"precision"`
		Signals    Signals    `yaml:"signals"`
	} `yaml:"engine"`

	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Host        string  `yaml:"host"`
		Port        int     `yaml:"port"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
}

// Default returns a config with every engine tunable set.
func Default() Config {
	var c Config
	c.Service.Name = "order-engine"
	c.Service.LogLevel = getenvDefault("LOG_LEVEL", "info")
	c.Service.LogJSON = boolFromEnv("LOG_JSON", true)
	c.Ledger.Driver = "postgres"
	c.Ledger.MaxConns = 16
	c.Binance.RateLimit = floatFromEnv("BINANCE_RATE_LIMIT", 15)
	c.Binance.RateBurst = intFromEnv("BINANCE_RATE_BURST", 30)

	c.Engine.Entry = Entry{
		MaxAttempts:        intFromEnv("ENTRY_MAX_ATTEMPTS", 40),
		Timeout:            durationFromEnv("ENTRY_TIMEOUT", "90s"),
		PollInterval:       durationFromEnv("ENTRY_POLL_INTERVAL", "1s"),
		BookStaleAfter:     durationFromEnv("ENTRY_BOOK_STALE_AFTER", "3s"),
		MinMarketRemainder: floatFromEnv("ENTRY_MIN_MARKET_REMAINDER", 0.05),
		CompletionRatio:    floatFromEnv("ENTRY_COMPLETION_RATIO", 0.95),
		CallTimeout:        durationFromEnv("ENTRY_CALL_TIMEOUT", "5s"),
	}
	c.Engine.Protection = Protection{
		Ladder:     []float64{0.25, 0.30, 0.25, 0.10},
		PendingTTL: durationFromEnv("PROTECTION_PENDING_TTL", "1m"),
	}
	c.Engine.Trailing = Trailing{
		MinRecheck:      durationFromEnv("TRAILING_MIN_RECHECK", "5s"),
		SettleDelay:     durationFromEnv("TRAILING_SETTLE_DELAY", "500ms"),
		MonitorInterval: durationFromEnv("TRAILING_MONITOR_INTERVAL", "2s"),
	}
	c.Engine.Reconcile = Reconcile{
		Interval:     durationFromEnv("RECONCILE_INTERVAL", "30s"),
		CallTimeout:  durationFromEnv("RECONCILE_CALL_TIMEOUT", "10s"),
		OrderGrace:   durationFromEnv("RECONCILE_ORDER_GRACE", "30s"),
		OrphanMinAge: durationFromEnv("RECONCILE_ORPHAN_MIN_AGE", "2m"),
		LinkSkew:     durationFromEnv("RECONCILE_LINK_SKEW", "1m"),
	}
	c.Engine.Ingest = Ingest{
		DedupTTL:          durationFromEnv("INGEST_DEDUP_TTL", "30s"),
		CloseTTL:          durationFromEnv("INGEST_CLOSE_TTL", "3m"),
		NotifyTTL:         durationFromEnv("INGEST_NOTIFY_TTL", "3m"),
		LockRetryAttempts: intFromEnv("INGEST_LOCK_RETRY_ATTEMPTS", 50),
		LockRetryBase:     durationFromEnv("INGEST_LOCK_RETRY_BASE", "10ms"),
		LockRetryJitter:   durationFromEnv("INGEST_LOCK_RETRY_JITTER", "40ms"),
	}
	c.Engine.Precision = Precision{
		TTL:          durationFromEnv("PRECISION_TTL", "1h"),
		WarmParallel: intFromEnv("PRECISION_WARM_PARALLEL", 8),
	}
	c.Engine.Signals = Signals{
		PollInterval: durationFromEnv("SIGNALS_POLL_INTERVAL", "2s"),
		BatchSize:    intFromEnv("SIGNALS_BATCH_SIZE", 20),
	}
	c.Health.Addr = getenvDefault("HEALTH_ADDR", ":8080")
	c.Tracing.Host = getenvDefault("JAEGER_AGENT_HOST", "localhost")
	c.Tracing.Port = intFromEnv("JAEGER_AGENT_PORT", 6831)
	c.Tracing.SampleRatio = 1
	return c
}

func NewConfig() (*Config, error) {
	// .env is optional; real env always wins over it.
	_ = godotenv.Load()

	configFileName := getenvDefault(configFilePathENV, "values_local.yaml")
	dir := getenvDefault(configDirENV, "configs")

	file, err := os.Open(dir + "/" + configFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	config := Default()
	if err = yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnv()

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv(tokenTelegramENV); token != "" {
		c.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		c.DB = dsn
	}
	for i := range c.Accounts {
		id := strconv.FormatInt(c.Accounts[i].ID, 10)
		if v := os.Getenv(apiKeyENVPrefix + id); v != "" {
			c.Accounts[i].APIKey = v
		}
		if v := os.Getenv(apiSecretENVPrefix + id); v != "" {
			c.Accounts[i].APISecret = v
		}
		if c.Accounts[i].QuoteAsset == "" {
			c.Accounts[i].QuoteAsset = "USDT"
		}
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.Ledger.Driver != "postgres" && c.Ledger.Driver != "memory" {
		problems = append(problems, "ledger.driver must be postgres or memory")
	}
	if c.Ledger.Driver == "postgres" && c.DB == "" {
		problems = append(problems, "db_dsn is required for the postgres ledger")
	}
	seen := make(map[int64]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID <= 0 {
			problems = append(problems, "account id must be positive")
		}
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("duplicate account id %d", a.ID))
		}
		seen[a.ID] = true
	}
	var sum float64
	for _, p := range c.Engine.Protection.Ladder {
		sum += p
	}
	if sum > 1 {
		problems = append(problems, "engine.protection.ladder sums above 1")
	}
	if r := c.Engine.Entry.CompletionRatio; r <= 0 || r > 1 {
		problems = append(problems, "engine.entry.completion_ratio must be in (0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnabledAccounts returns the accounts the engine should run sessions for.
// Account finds an account by id, enabled or not.
func (c *Config) Account(id int64) (Account, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

func (c *Config) EnabledAccounts() []Account {
	out := make([]Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "1" || v == "true" || v == "TRUE" {
			return true
		}
		if v == "0" || v == "false" || v == "FALSE" {
			return false
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
