package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/service"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	App           AppConfig                `mapstructure:"app"`
	NATS          NATSConfig               `mapstructure:"nats"`
	Neo4J         Neo4JConfig              `mapstructure:"neo4j"`
	Postgres      PostgresConfig           `mapstructure:"postgres"`
	Redis         RedisConfig              `mapstructure:"redis"`
	EntityService EntityServiceConfig      `mapstructure:"entity_service"`
	Quantiles     QuantilesConfig          `mapstructure:"quantiles"`
	Rules         service.RulePolicy       `mapstructure:"rules"`
	Stabilizer    service.StabilizerConfig `mapstructure:"stabilizer"`
	Cycle         CycleConfig              `mapstructure:"cycle"`
	Risk          service.RiskWeights      `mapstructure:"risk"`
	Metrics       MetricsConfig            `mapstructure:"metrics"`
}

// AppConfig represents application-specific configuration
type AppConfig struct {
	Env            string   `mapstructure:"env"`
	LogLevel       string   `mapstructure:"log_level"`
	LogEncoding    string   `mapstructure:"log_encoding"`
	HTTPPort       int      `mapstructure:"http_port"`
	WorkerPoolSize int      `mapstructure:"worker_pool_size"`
	BatchSize      int      `mapstructure:"batch_size"`
	Chains         []string `mapstructure:"chains"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL                string        `mapstructure:"url"`
	StreamName         string        `mapstructure:"stream_name"`
	SubjectPrefix      string        `mapstructure:"subject_prefix"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	Durable            string        `mapstructure:"durable"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	MaxPendingMessages int           `mapstructure:"max_pending_messages"`
	Enabled            bool          `mapstructure:"enabled"`
}

// Neo4JConfig represents Neo4J configuration
type Neo4JConfig struct {
	Enabled                      bool          `mapstructure:"enabled"`
	URI                          string        `mapstructure:"uri"`
	Username                     string        `mapstructure:"username"`
	Password                     string        `mapstructure:"password"`
	Database                     string        `mapstructure:"database"`
	ConnectTimeout               time.Duration `mapstructure:"connect_timeout"`
	MaxConnectionPoolSize        int           `mapstructure:"max_connection_pool_size"`
	ConnectionAcquisitionTimeout time.Duration `mapstructure:"connection_acquisition_timeout"`
}

// PostgresConfig represents the event store connection. An empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the entity cache and cycle lock backend
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	EntityCacheTTL time.Duration `mapstructure:"entity_cache_ttl"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

// StaticEntity is an entity label pinned in configuration
type StaticEntity struct {
	Chain            string   `mapstructure:"chain"`
	Address          string   `mapstructure:"address"`
	Label            string   `mapstructure:"label"`
	Tags             []string `mapstructure:"tags"`
	CounterpartyType string   `mapstructure:"counterparty_type"`
}

// EntityServiceConfig represents the entity/tag service client
type EntityServiceConfig struct {
	BaseURL         string         `mapstructure:"base_url"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	RateLimitPerSec float64        `mapstructure:"rate_limit_per_sec"`
	Burst           int            `mapstructure:"burst"`
	KnownExchanges  []string       `mapstructure:"known_exchanges"`
	Static          []StaticEntity `mapstructure:"static"`
}

// QuantilesConfig represents the quantile estimator settings
type QuantilesConfig struct {
	Window            time.Duration          `mapstructure:"window"`
	MinSamples        int                    `mapstructure:"min_samples"`
	RecomputeSchedule string                 `mapstructure:"recompute_schedule"`
	Fallback          entity.ThresholdPolicy `mapstructure:"fallback"`
}

// CycleConfig represents the clustering cycle schedule
type CycleConfig struct {
	Schedule       string        `mapstructure:"schedule"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	EvidenceWindow time.Duration `mapstructure:"evidence_window"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from the default search paths and environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or from the default search paths when path is empty.
// Environment variables override file values (app.http_port -> APP_HTTP_PORT).
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/whale-cluster-engine")
	}

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Default values
	setDefaults(v)

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that would make the pipeline misbehave silently
func (c *Config) Validate() error {
	if len(c.App.Chains) == 0 {
		return errors.New("config: app.chains must list at least one chain")
	}
	if c.Stabilizer.Confirmations > c.Stabilizer.Window {
		return fmt.Errorf("config: stabilizer.confirmations (%d) exceeds stabilizer.window (%d)",
			c.Stabilizer.Confirmations, c.Stabilizer.Window)
	}
	if c.Rules.ToCexRatioMax < 0 || c.Rules.ToCexRatioMax > 1 {
		return fmt.Errorf("config: rules.to_cex_ratio_max must be within [0, 1], got %v", c.Rules.ToCexRatioMax)
	}
	for i := range c.App.Chains {
		c.App.Chains[i] = strings.ToLower(strings.TrimSpace(c.App.Chains[i]))
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_encoding", "json")
	v.SetDefault("app.http_port", 8080)
	v.SetDefault("app.worker_pool_size", 8)
	v.SetDefault("app.batch_size", 100)
	v.SetDefault("app.chains", []string{"ethereum", "arbitrum", "base", "solana"})

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "WHALE_EVENTS")
	v.SetDefault("nats.subject_prefix", "whale")
	v.SetDefault("nats.consumer_group", "whale-cluster-engine")
	v.SetDefault("nats.durable", "whale-cluster-engine")
	v.SetDefault("nats.connect_timeout", "10s")
	v.SetDefault("nats.reconnect_attempts", 5)
	v.SetDefault("nats.reconnect_delay", "2s")
	v.SetDefault("nats.max_pending_messages", 10000)
	v.SetDefault("nats.enabled", false)

	// Neo4J defaults
	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.connect_timeout", "10s")
	v.SetDefault("neo4j.max_connection_pool_size", 50)
	v.SetDefault("neo4j.connection_acquisition_timeout", "60s")

	// Postgres defaults
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.conn_max_lifetime", "1h")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.entity_cache_ttl", "1h")
	v.SetDefault("redis.lock_ttl", "14m")

	// Entity service defaults
	v.SetDefault("entity_service.base_url", "")
	v.SetDefault("entity_service.timeout", "3s")
	v.SetDefault("entity_service.rate_limit_per_sec", 20)
	v.SetDefault("entity_service.burst", 40)
	v.SetDefault("entity_service.known_exchanges", service.DefaultKnownExchanges)

	// Quantile defaults
	v.SetDefault("quantiles.window", "720h")
	v.SetDefault("quantiles.min_samples", 200)
	v.SetDefault("quantiles.recompute_schedule", "@hourly")
	v.SetDefault("quantiles.fallback.default.q70_usd", 50_000)
	v.SetDefault("quantiles.fallback.default.q85_usd", 100_000)
	v.SetDefault("quantiles.fallback.default.q80_net_in_usd", 100_000)
	v.SetDefault("quantiles.fallback.default.q80_net_out_usd", 100_000)
	v.SetDefault("quantiles.fallback.default.q80_defi_usd", 50_000)

	// Rule defaults
	rules := service.DefaultRulePolicy()
	v.SetDefault("rules.dormancy_days", rules.DormancyDays)
	v.SetDefault("rules.prefilter_floor_usd", rules.PrefilterFloorUSD)
	v.SetDefault("rules.high_value_floor_usd", rules.HighValueFloorUSD)
	v.SetDefault("rules.dormant_floor_usd", rules.DormantFloorUSD)
	v.SetDefault("rules.cex_inflow_floor_usd", rules.CEXInflowFloorUSD)
	v.SetDefault("rules.defi_floor_usd", rules.DeFiFloorUSD)
	v.SetDefault("rules.net_out_floor_usd", rules.NetOutFloorUSD)
	v.SetDefault("rules.net_in_floor_usd", rules.NetInFloorUSD)
	v.SetDefault("rules.to_cex_ratio_max", rules.ToCexRatioMax)
	v.SetDefault("rules.min_unique_recipients", rules.MinUniqueRecipients)

	// Stabilizer defaults
	v.SetDefault("stabilizer.bucket_width", "15m")
	v.SetDefault("stabilizer.window", 3)
	v.SetDefault("stabilizer.confirmations", 2)
	v.SetDefault("stabilizer.cool_down", "6h")

	// Cycle defaults
	v.SetDefault("cycle.schedule", "*/15 * * * *")
	v.SetDefault("cycle.settle_delay", "30s")
	v.SetDefault("cycle.evidence_window", "24h")
	v.SetDefault("cycle.run_on_start", false)

	// Risk defaults
	risk := service.DefaultRiskWeights()
	v.SetDefault("risk.severity", risk.Severity)
	v.SetDefault("risk.severity_weight", risk.SeverityWeight)
	v.SetDefault("risk.confidence_weight", risk.ConfidenceWeight)
	v.SetDefault("risk.outflow_weight", risk.OutflowWeight)
	v.SetDefault("risk.outflow_scale_usd", risk.OutflowScaleUSD)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)

	// Bind env for connection strings commonly injected by the platform
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("postgres.dsn", "DATABASE_URL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
}
