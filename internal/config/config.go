package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/logging"
	"rebase-policy/internal/policy"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Cow       CowConfig       `mapstructure:"cow"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Keeper    KeeperConfig    `mapstructure:"keeper"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Events    EventsConfig    `mapstructure:"events"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs when the keeper wakes relative to each rebase window.
type SchedulerConfig struct {
	// WindowDelay is how far into an open window the keeper fires.
	WindowDelay     time.Duration `mapstructure:"window_delay" validate:"gte=0s"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" validate:"gte=0s"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// EthereumConfig covers on-chain data access and signing.
type EthereumConfig struct {
	RPCURL            string        `mapstructure:"rpc_url" validate:"omitempty,url"`
	TokenAddress      string        `mapstructure:"token_address" validate:"omitempty,eth_addr"`
	AggregatorAddress string        `mapstructure:"aggregator_address" validate:"omitempty,eth_addr"`
	PrivateKey        string        `mapstructure:"private_key"`
	ChainID           int64         `mapstructure:"chain_id" validate:"gte=0"`
	GasLimit          uint64        `mapstructure:"gas_limit"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0s"`
	ReceiptTimeout    time.Duration `mapstructure:"receipt_timeout" validate:"gt=0s"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0s"`
	AggregatorMaxAge  time.Duration `mapstructure:"aggregator_max_age" validate:"gte=0s"`
}

// CowConfig captures CoW Protocol connectivity for the trading price.
type CowConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	PriceQuality   string        `mapstructure:"price_quality" validate:"oneof=fast optimal verified"`
	Notional       float64       `mapstructure:"notional" validate:"gt=0"`
	SellToken      string        `mapstructure:"sell_token" validate:"omitempty,eth_addr"`
	BuyToken       string        `mapstructure:"buy_token" validate:"omitempty,eth_addr"`
	SellDecimals   int32         `mapstructure:"sell_decimals" validate:"gte=0,lte=36"`
	BuyDecimals    int32         `mapstructure:"buy_decimals" validate:"gte=0,lte=36"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0s"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// PolicyConfig seeds the policy engine's parameters at start-up.
type PolicyConfig struct {
	Owner        string `mapstructure:"owner" validate:"required,eth_addr"`
	Orchestrator string `mapstructure:"orchestrator" validate:"omitempty,eth_addr"`
	// DeviationThreshold is a decimal fraction such as "0.05".
	DeviationThreshold string        `mapstructure:"deviation_threshold" validate:"required,numeric"`
	RebaseLag          uint64        `mapstructure:"rebase_lag" validate:"gt=0"`
	MinRebaseInterval  time.Duration `mapstructure:"min_rebase_interval" validate:"gt=0s"`
	WindowOffset       time.Duration `mapstructure:"window_offset" validate:"gte=0s"`
	WindowLength       time.Duration `mapstructure:"window_length" validate:"gte=0s"`
}

// KeeperConfig selects the collaborators the keeper drives.
type KeeperConfig struct {
	Ledger        string `mapstructure:"ledger" validate:"oneof=memory ethereum"`
	// InitialSupply seeds the memory ledger, in whole tokens.
	InitialSupply string `mapstructure:"initial_supply" validate:"omitempty,numeric"`
	TokenDecimals int32  `mapstructure:"token_decimals" validate:"gte=0,lte=36"`
	TradingSource string `mapstructure:"trading_source" validate:"oneof=cow static"`
	TargetSource  string `mapstructure:"target_source" validate:"oneof=aggregator static"`
	StaticTrading string `mapstructure:"static_trading" validate:"omitempty,numeric"`
	StaticTarget  string `mapstructure:"static_target" validate:"omitempty,numeric"`
	// Caller is the principal the keeper rebases as; defaults to the orchestrator.
	Caller string `mapstructure:"caller" validate:"omitempty,eth_addr"`
}

// AlertingConfig defines alert routing for rebase outcomes.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	OnlyNonZero bool           `mapstructure:"only_non_zero"`
	Channels    []string       `mapstructure:"channels" validate:"dive,oneof=telegram"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram notification parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base" validate:"omitempty,url"`
}

// EventsConfig configures Kafka publication of rebase outcomes.
type EventsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression" validate:"oneof=none gzip snappy lz4 zstd"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0s"`
}

// HTTPConfig controls the read-only query API.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0s"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REBASER")
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
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rebaser")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.window_delay", "30s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72656261))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("ethereum.chain_id", 1)
	v.SetDefault("ethereum.gas_limit", 300000)
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.receipt_timeout", "5m")
	v.SetDefault("ethereum.poll_interval", "4s")
	v.SetDefault("ethereum.aggregator_max_age", "26h")

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.notional", 1000.0)
	v.SetDefault("cow.sell_decimals", 9)
	v.SetDefault("cow.buy_decimals", 6)
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.user_agent", "rebaser/1.0")

	v.SetDefault("policy.deviation_threshold", "0.05")
	v.SetDefault("policy.rebase_lag", policy.DefaultRebaseLag)
	v.SetDefault("policy.min_rebase_interval", "24h")
	v.SetDefault("policy.window_offset", "20h")
	v.SetDefault("policy.window_length", "15m")

	v.SetDefault("keeper.ledger", "memory")
	v.SetDefault("keeper.initial_supply", "50000000")
	v.SetDefault("keeper.token_decimals", 9)
	v.SetDefault("keeper.trading_source", "cow")
	v.SetDefault("keeper.target_source", "aggregator")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.only_non_zero", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "rebase.outcomes")
	v.SetDefault("events.compression", "gzip")
	v.SetDefault("events.write_timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)

	for _, key := range []string{
		"database.dsn",
		"ethereum.rpc_url", "ethereum.token_address", "ethereum.aggregator_address", "ethereum.private_key",
		"cow.sell_token", "cow.buy_token",
		"policy.owner", "policy.orchestrator",
		"keeper.static_trading", "keeper.static_target", "keeper.caller",
		"alerting.telegram.bot_token", "alerting.telegram.chat_id",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("events.brokers", []string{})

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

var validate = validator.New()

// Validate runs struct-tag validation and then cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if _, err := c.Policy.Threshold(); err != nil {
		return err
	}
	interval, offset, length := c.Policy.TimingSeconds()
	if err := policy.ValidateTiming(interval, offset, length); err != nil {
		return fmt.Errorf("policy timing: %w", err)
	}

	if c.Keeper.Ledger == "ethereum" {
		if c.Ethereum.RPCURL == "" || c.Ethereum.TokenAddress == "" {
			return fmt.Errorf("keeper.ledger=ethereum requires ethereum.rpc_url and ethereum.token_address")
		}
		if c.Ethereum.PrivateKey == "" {
			return fmt.Errorf("keeper.ledger=ethereum requires ethereum.private_key")
		}
	}
	if c.Keeper.TradingSource == "static" && c.Keeper.StaticTrading == "" {
		return fmt.Errorf("keeper.static_trading must be set when trading_source=static")
	}
	if c.Keeper.TargetSource == "static" && c.Keeper.StaticTarget == "" {
		return fmt.Errorf("keeper.static_target must be set when target_source=static")
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers must be set when events are enabled")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set when events are enabled")
		}
	}
	return nil
}

// Threshold parses the deviation threshold into an 18-decimal fraction.
func (p PolicyConfig) Threshold() (*big.Int, error) {
	v, err := fixedpoint.Parse(p.DeviationThreshold)
	if err != nil {
		return nil, fmt.Errorf("policy.deviation_threshold: %w", err)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("policy.deviation_threshold cannot be negative")
	}
	return v, nil
}

// TimingSeconds returns interval, offset and length in whole seconds.
func (p PolicyConfig) TimingSeconds() (interval, offset, length uint64) {
	return seconds(p.MinRebaseInterval), seconds(p.WindowOffset), seconds(p.WindowLength)
}

func seconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
