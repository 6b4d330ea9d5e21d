package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/big14way/Bastion-sub002/internal/logging"
)

// Config materialises operator configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Depeg    DepegConfig    `mapstructure:"depeg"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Operator OperatorConfig `mapstructure:"operator"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
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
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the price cache and pub/sub bus.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FeedsConfig holds the asset -> aggregator registry and poll cadence.
// The registry is fixed at construction; nothing mutates it at runtime.
type FeedsConfig struct {
	Assets       map[string]string `mapstructure:"assets"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	StartupDelay time.Duration     `mapstructure:"startup_delay"`
}

// PegConfig pairs a pegged asset with its reference asset.
type PegConfig struct {
	Asset        string `mapstructure:"asset"`
	Reference    string `mapstructure:"reference"`
	ThresholdBps int64  `mapstructure:"threshold_bps"`
}

// DepegConfig governs depeg detection.
type DepegConfig struct {
	ThresholdBps int64       `mapstructure:"threshold_bps"`
	Pegs         []PegConfig `mapstructure:"pegs"`
}

// TasksConfig tunes the dispatcher worker pool.
type TasksConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	Workers          int           `mapstructure:"workers"`
	HandlerTimeout   time.Duration `mapstructure:"handler_timeout"`
	VolatilityWindow time.Duration `mapstructure:"volatility_window"`
	RiskLookback     time.Duration `mapstructure:"risk_lookback"`
	RescanOnStart    bool          `mapstructure:"rescan_on_start"`
}

// OperatorConfig identifies this operator's key material.
type OperatorConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BASTION")
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
	v.SetDefault("app.name", "bastion-operator")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.price_ttl", "300s")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("feeds.poll_interval", "30s")
	v.SetDefault("feeds.startup_delay", "0s")

	v.SetDefault("depeg.threshold_bps", int64(2000))

	v.SetDefault("tasks.queue_size", 64)
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.handler_timeout", "30s")
	v.SetDefault("tasks.volatility_window", "24h")
	v.SetDefault("tasks.risk_lookback", "24h")
	v.SetDefault("tasks.rescan_on_start", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Feeds.PollInterval <= 0 {
		return fmt.Errorf("feeds.poll_interval must be greater than zero")
	}
	if c.Depeg.ThresholdBps < 0 {
		return fmt.Errorf("depeg.threshold_bps cannot be negative")
	}
	if c.Tasks.QueueSize <= 0 {
		return fmt.Errorf("tasks.queue_size must be greater than zero")
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be greater than zero")
	}
	if c.Tasks.HandlerTimeout <= 0 {
		return fmt.Errorf("tasks.handler_timeout must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, peg := range c.Depeg.Pegs {
		if peg.Asset == "" || peg.Reference == "" {
			return fmt.Errorf("depeg.pegs entries require asset and reference")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// PegThreshold returns the effective deviation threshold for a peg,
// falling back to the global default when the peg has no override.
func (c *Config) PegThreshold(peg PegConfig) int64 {
	if peg.ThresholdBps > 0 {
		return peg.ThresholdBps
	}
	return c.Depeg.ThresholdBps
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
