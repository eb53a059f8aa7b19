package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loyalty-engine/internal/logger"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Square    SquareConfig    `mapstructure:"square"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logger    logger.Config   `mapstructure:"logger"`
	Security  SecurityConfig  `mapstructure:"security"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Catchup   CatchupConfig   `mapstructure:"catchup"`
	Features  FeaturesConfig  `mapstructure:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. Driver is "sqlite3" or "postgres".
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig configures the customer display cache. When disabled an
// in-memory cache is used.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`

	CustomerTTL time.Duration `mapstructure:"customer_ttl"`
}

// SquareConfig configures the POS platform client.
type SquareConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Version     string        `mapstructure:"version"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LocationIDs []string      `mapstructure:"location_ids"`

	// Merchants lists the connected merchants. Kept as a list: viper
	// lowercases map keys and merchant ids are case sensitive.
	Merchants []SquareMerchant `mapstructure:"merchants"`
}

// SquareMerchant is one merchant's POS credentials.
type SquareMerchant struct {
	ID          string `mapstructure:"id"`
	AccessToken string `mapstructure:"access_token"`
}

// AccessTokens maps merchant id to access token.
func (s SquareConfig) AccessTokens() map[string]string {
	out := make(map[string]string, len(s.Merchants))
	for _, m := range s.Merchants {
		out[m.ID] = m.AccessToken
	}
	return out
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 10MB)
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Rate    int  `mapstructure:"rate"`
	Window  int  `mapstructure:"window"` // in seconds
}

// CatalogConfig tunes the qualifying-variation cache. A zero TTL disables it.
type CatalogConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// CatchupConfig controls the backfill sweep.
type CatchupConfig struct {
	Lookback    time.Duration `mapstructure:"lookback"`
	Concurrency int           `mapstructure:"concurrency"`
}

// FeaturesConfig seeds the feature flag manager.
type FeaturesConfig struct {
	RecipientLookup bool `mapstructure:"recipient_lookup"`
	CustomerCache   bool `mapstructure:"customer_cache"`
	LineItemRefetch bool `mapstructure:"line_item_refetch"`
	CatalogCache    bool `mapstructure:"catalog_cache"`
	EventHooks      bool `mapstructure:"event_hooks"`
}

// LoadConfig loads configuration from an optional file and LOYALTY_*
// environment variables. Environment variables take precedence.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOYALTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./loyalty.db")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "loyalty:")
	v.SetDefault("redis.customer_ttl", time.Hour)

	v.SetDefault("square.base_url", "https://connect.squareup.com")
	v.SetDefault("square.version", "2024-10-17")
	v.SetDefault("square.timeout", 15*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.service_name", "loyalty-engine")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("security.max_request_body_size", int64(10<<20))
	v.SetDefault("security.allowed_origins", "*")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rate", 100)
	v.SetDefault("rate_limit.window", 60)

	v.SetDefault("catalog.cache_ttl", 30*time.Second)
	v.SetDefault("catalog.cache_size", 256)

	v.SetDefault("catchup.lookback", 24*time.Hour)
	v.SetDefault("catchup.concurrency", 4)

	v.SetDefault("features.recipient_lookup", true)
	v.SetDefault("features.customer_cache", true)
	v.SetDefault("features.line_item_refetch", true)
	v.SetDefault("features.catalog_cache", true)
	v.SetDefault("features.event_hooks", true)
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	for i, m := range c.Square.Merchants {
		if m.ID == "" {
			return fmt.Errorf("square merchant %d has no id", i)
		}
	}
	if c.Catchup.Concurrency <= 0 {
		return fmt.Errorf("catchup concurrency must be positive")
	}
	return nil
}
