package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crypto-alarm-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Market     MarketConfig     `mapstructure:"market"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Indicators IndicatorConfig  `mapstructure:"indicators"`
	Alarms     AlarmConfig      `mapstructure:"alarms"`
	Onchain    OnchainConfig    `mapstructure:"onchain"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Reports    ReportConfig     `mapstructure:"reports"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MarketConfig covers the exchange market-data collaborator.
type MarketConfig struct {
	BaseURL                string        `mapstructure:"base_url"`
	QuoteCurrency          string        `mapstructure:"quote_currency"`
	KlineInterval          string        `mapstructure:"kline_interval"`
	HistoryLimit           int           `mapstructure:"history_limit"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	UserAgent              string        `mapstructure:"user_agent"`
}

// CacheConfig tunes market-data caching.
type CacheConfig struct {
	Backend   string           `mapstructure:"backend"`
	TTL       time.Duration    `mapstructure:"ttl"`
	Retention time.Duration    `mapstructure:"retention"`
	Redis     RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig connects the optional Redis cache backend.
type RedisCacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IndicatorConfig fixes the indicator look-back windows.
type IndicatorConfig struct {
	RSIPeriod  int `mapstructure:"rsi_period"`
	MACDFast   int `mapstructure:"macd_fast"`
	MACDSlow   int `mapstructure:"macd_slow"`
	MACDSignal int `mapstructure:"macd_signal"`
}

// AlarmConfig sets alarm defaults.
type AlarmConfig struct {
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`
	MaxPerOwner     int           `mapstructure:"max_per_owner"`
	FetchWorkers    int           `mapstructure:"fetch_workers"`
}

// OnchainConfig covers the optional on-chain reference price feeds.
type OnchainConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	RPCURL           string            `mapstructure:"rpc_url"`
	RequestTimeout   time.Duration     `mapstructure:"request_timeout"`
	Feeds            map[string]string `mapstructure:"feeds"`
	DeviationWarnPct float64           `mapstructure:"deviation_warn_pct"`
}

// NotifierConfig defines outbound alert routing.
type NotifierConfig struct {
	RetryBackoff time.Duration  `mapstructure:"retry_backoff"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram transport.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig exposes the Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ReportConfig schedules periodic background jobs.
type ReportConfig struct {
	MonthlyCron      string        `mapstructure:"monthly_cron"`
	CleanupCron      string        `mapstructure:"cleanup_cron"`
	CleanupRetention time.Duration `mapstructure:"cleanup_retention"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COINWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coinwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f696e))

	v.SetDefault("market.base_url", "https://api.binance.com")
	v.SetDefault("market.quote_currency", "USDT")
	v.SetDefault("market.kline_interval", "1h")
	v.SetDefault("market.history_limit", 100)
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.max_consecutive_failures", 3)
	v.SetDefault("market.user_agent", "coinwatcher/1.0")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "45s")
	v.SetDefault("cache.retention", "48h")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("indicators.rsi_period", 14)
	v.SetDefault("indicators.macd_fast", 12)
	v.SetDefault("indicators.macd_slow", 26)
	v.SetDefault("indicators.macd_signal", 9)

	v.SetDefault("alarms.default_cooldown", "30m")
	v.SetDefault("alarms.max_per_owner", 25)
	v.SetDefault("alarms.fetch_workers", 4)

	v.SetDefault("onchain.enabled", false)
	v.SetDefault("onchain.request_timeout", "10s")
	v.SetDefault("onchain.deviation_warn_pct", 1.0)

	v.SetDefault("notifier.retry_backoff", "2s")
	v.SetDefault("notifier.telegram.enabled", false)
	v.SetDefault("notifier.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notifier.telegram.timeout", "10s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9180")

	v.SetDefault("reports.monthly_cron", "0 9 1 * *")
	v.SetDefault("reports.cleanup_cron", "30 3 * * *")
	v.SetDefault("reports.cleanup_retention", "720h")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis")
	}
	if c.Market.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("market.max_consecutive_failures must be greater than zero")
	}
	if c.Market.HistoryLimit <= 0 {
		return fmt.Errorf("market.history_limit must be greater than zero")
	}
	if c.Indicators.RSIPeriod <= 0 {
		return fmt.Errorf("indicators.rsi_period must be greater than zero")
	}
	if c.Indicators.MACDFast <= 0 || c.Indicators.MACDSlow <= c.Indicators.MACDFast {
		return fmt.Errorf("indicators.macd_slow must exceed indicators.macd_fast")
	}
	if c.Indicators.MACDSignal <= 0 {
		return fmt.Errorf("indicators.macd_signal must be greater than zero")
	}
	if c.Alarms.DefaultCooldown < 0 {
		return fmt.Errorf("alarms.default_cooldown cannot be negative")
	}
	if c.Alarms.FetchWorkers <= 0 {
		return fmt.Errorf("alarms.fetch_workers must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Onchain.Enabled && c.Onchain.RPCURL == "" {
		return fmt.Errorf("onchain.rpc_url required when onchain.enabled")
	}
	if c.Notifier.Telegram.Enabled && c.Notifier.Telegram.BotToken == "" {
		return fmt.Errorf("notifier.telegram.bot_token required when telegram enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
