// Package config loads the recording pipeline's configuration the way
// the rest of the platform does: defaults set first, then a YAML file,
// then environment variables, each layer overriding the last.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for both cmd/live and
// cmd/historical; each entrypoint only reads the sections it needs.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Node         NodeConfig         `mapstructure:"node"`
	PriceOracle  PriceOracleConfig  `mapstructure:"price_oracle"`
	GasPricing   GasPricingConfig   `mapstructure:"gas_pricing"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
	Mongo        MongoConfig        `mapstructure:"mongo"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Historical   HistoricalConfig   `mapstructure:"historical"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
}

// NodeConfig points at the Ethereum node this instance indexes against.
type NodeConfig struct {
	WebSocketURI string `mapstructure:"websocket_uri"`
	HTTPURI      string `mapstructure:"http_uri"`
}

// PriceOracleConfig points at the centralized-exchange kline API.
type PriceOracleConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// GasPricingConfig names the currency pair every gas quote is expressed
// in.
type GasPricingConfig struct {
	GasCurrency   string `mapstructure:"gas_currency"`
	QuoteCurrency string `mapstructure:"quote_currency"`
}

// SubscriptionConfig is one configured (event, contract) pair to watch.
type SubscriptionConfig struct {
	EventID         string `mapstructure:"event_id"`
	ContractAddress string `mapstructure:"contract_address"`
}

// MongoConfig contains the document store connection settings. All five
// fields are required — absence of any is a fatal startup error, per
// spec.md's DB_HOST/DB_PORT/DB_DATABASE/DB_USER/DB_PASSWORD contract
// (mirrored from the original service's db.py, which builds the same
// mongodb:// URI from exactly these five env vars and refuses to start
// otherwise).
type MongoConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// ConnectionURI builds the mongodb:// URI from the individual credential
// fields, matching the original service's db.py composition.
func (m MongoConfig) ConnectionURI() string {
	return fmt.Sprintf("mongodb://%s:%s@%s:%d", m.Username, m.Password, m.Host, m.Port)
}

// PostgresConfig contains the backfill checkpoint store connection
// settings.
type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Name            string `mapstructure:"name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig contains the rate limiter's backing store settings.
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	PoolSize  int    `mapstructure:"pool_size"`
}

// KafkaConfig contains the notification bus settings.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// RateLimitConfig bounds outbound calls to the node and the price
// oracle.
type RateLimitConfig struct {
	NodeMaxPerWindow  int64         `mapstructure:"node_max_per_window"`
	NodeWindow        time.Duration `mapstructure:"node_window"`
	OracleMaxPerWindow int64        `mapstructure:"oracle_max_per_window"`
	OracleWindow       time.Duration `mapstructure:"oracle_window"`
}

// RetryConfig tunes the live processor's postponed-transaction retry
// map.
type RetryConfig struct {
	TTLBlocks          int `mapstructure:"ttl_blocks"`
	MaxWalkPerTick     int `mapstructure:"max_walk_per_tick"`
}

// HistoricalConfig describes the single backfill job cmd/historical
// runs to completion. The job-control HTTP surface that would otherwise
// populate these fields dynamically is out of scope (see §1 Non-goals);
// here they come from the config file or environment variables.
type HistoricalConfig struct {
	EventID         string        `mapstructure:"event_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	IndexerBaseURL  string        `mapstructure:"indexer_base_url"`
	IndexerAPIKey   string        `mapstructure:"indexer_api_key"`
	WindowSize      int           `mapstructure:"window_size"`
	LoaderSleep     time.Duration `mapstructure:"loader_sleep"`
	FromBlock       uint64        `mapstructure:"from_block"`
	ToBlock         uint64        `mapstructure:"to_block"`
}

// SchedulerConfig controls the periodic reconciliation sweep that
// re-queues any checkpoint gaps left by a crashed backfill run.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Format        string `mapstructure:"format"`
	Output        string `mapstructure:"output"`
	Level         string `mapstructure:"level"`
	IncludeCaller bool   `mapstructure:"include_caller"`
}

// Load reads configuration from file and environment variables, in that
// order, with environment variables under the RECORDING_ prefix taking
// precedence over the file.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/csic/recording/")

	v.SetEnvPrefix("RECORDING")
	v.AutomaticEnv()

	// These names predate the RECORDING_ prefix convention and are wired
	// as literal overrides so existing deployment environments keep
	// working. DB_* names the document store (Mongo), not the checkpoint
	// store (Postgres) — see db.py in the original implementation.
	_ = v.BindEnv("node.websocket_uri", "NODE_PROVIDER_WSS_URI")
	_ = v.BindEnv("node.http_uri", "NODE_PROVIDER_RPC_URI")
	_ = v.BindEnv("historical.indexer_api_key", "ETHERSCAN_API_KEY")
	_ = v.BindEnv("mongo.host", "DB_HOST")
	_ = v.BindEnv("mongo.port", "DB_PORT")
	_ = v.BindEnv("mongo.database", "DB_DATABASE")
	_ = v.BindEnv("mongo.username", "DB_USER")
	_ = v.BindEnv("mongo.password", "DB_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Dump renders cfg as YAML with secrets redacted, for logging the
// effective configuration at startup without leaking credentials into
// log aggregation.
func (c *Config) Dump() (string, error) {
	redacted := *c
	redacted.Mongo.Password = "REDACTED"
	redacted.Postgres.Password = "REDACTED"
	redacted.Redis.Password = "REDACTED"
	redacted.Historical.IndexerAPIKey = "REDACTED"

	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("config: rendering dump: %w", err)
	}
	return string(out), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "blockchain-recording")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8090)
	v.SetDefault("app.environment", "development")

	v.SetDefault("gas_pricing.gas_currency", "ETH")
	v.SetDefault("gas_pricing.quote_currency", "USDT")

	// Mongo has no defaults: all five DB_* fields are required, and their
	// absence must be a fatal startup error, not a silent fallback.

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 25)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", 300)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "recording:")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.topic_prefix", "")

	v.SetDefault("rate_limit.node_max_per_window", 50)
	v.SetDefault("rate_limit.node_window", 1*time.Second)
	v.SetDefault("rate_limit.oracle_max_per_window", 20)
	v.SetDefault("rate_limit.oracle_window", 1*time.Second)

	v.SetDefault("retry.ttl_blocks", 64)
	v.SetDefault("retry.max_walk_per_tick", 0)

	v.SetDefault("historical.window_size", 20)
	v.SetDefault("historical.loader_sleep", 500*time.Millisecond)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "*/15 * * * *")

	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.level", "info")
}
