package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Learning   LearningConfig   `mapstructure:"learning"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// ProvidersConfig contains the market-data vendor chain.
type ProvidersConfig struct {
	// Order is the fallback order; entries name the provider keys below.
	Order           []string       `mapstructure:"order"`
	AlphaVantage    ProviderConfig `mapstructure:"alpha_vantage"`
	TwelveData      ProviderConfig `mapstructure:"twelve_data"`
	CacheTTLSeconds int            `mapstructure:"cache_ttl_seconds"`
}

// ProviderConfig contains per-vendor settings
type ProviderConfig struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	DailyBudget       int    `mapstructure:"daily_budget"`
}

// ScanConfig contains detection-cycle settings
type ScanConfig struct {
	Interval    string `mapstructure:"interval"`     // cycle cadence, e.g. "5m"
	Concurrency int    `mapstructure:"concurrency"`  // parallel symbol evaluations
	ProfilesDir string `mapstructure:"profiles_dir"` // detection profile documents
	BarPeriod   string `mapstructure:"bar_period"`   // window requested per symbol
	BarInterval string `mapstructure:"bar_interval"` // bar granularity
}

// TrackingConfig contains outcome-tracking settings
type TrackingConfig struct {
	ProfitThreshold   float64 `mapstructure:"profit_threshold"`
	PollInterval      string  `mapstructure:"poll_interval"`
	UserActionTimeout string  `mapstructure:"user_action_timeout"`
}

// LearningConfig contains causal-learner and threshold-adapter settings
type LearningConfig struct {
	HalflifeDays  float64 `mapstructure:"halflife_days"`
	WarmStartDays int     `mapstructure:"warm_start_days"`
	MinSamples    int     `mapstructure:"min_samples"`
	AdaptInterval string  `mapstructure:"adapt_interval"`
}

// APIConfig contains ops-server settings
type APIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Auth           APIAuthConfig `mapstructure:"auth"`
}

// APIAuthConfig gates the ops server behind stored API keys. Disabled
// by default for development.
type APIAuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	HeaderName   string `mapstructure:"header_name"`
	RequireHTTPS bool   `mapstructure:"require_https"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	UpdateInterval string `mapstructure:"update_interval"` // gauge refresh cadence
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("finsight")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides:
	// FINSIGHT_DATABASE_HOST overrides database.host, and so on.
	v.AutomaticEnv()
	v.SetEnvPrefix("FINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration using comprehensive validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "FinSight")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "finsight")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)

	// Provider defaults. Budgets match the vendors' free tiers so an
	// unconfigured install degrades instead of burning a paid quota.
	v.SetDefault("providers.order", []string{"alpha_vantage", "twelve_data"})
	v.SetDefault("providers.alpha_vantage.timeout_ms", 30000)
	v.SetDefault("providers.alpha_vantage.requests_per_minute", 5)
	v.SetDefault("providers.alpha_vantage.daily_budget", 500)
	v.SetDefault("providers.twelve_data.timeout_ms", 30000)
	v.SetDefault("providers.twelve_data.requests_per_minute", 8)
	v.SetDefault("providers.twelve_data.daily_budget", 800)
	v.SetDefault("providers.cache_ttl_seconds", 30)

	// Scan defaults
	v.SetDefault("scan.interval", "5m")
	v.SetDefault("scan.concurrency", 8)
	v.SetDefault("scan.profiles_dir", "configs/profiles")
	v.SetDefault("scan.bar_period", "1d")
	v.SetDefault("scan.bar_interval", "5m")

	// Tracking defaults
	v.SetDefault("tracking.profit_threshold", 0.005)
	v.SetDefault("tracking.poll_interval", "30s")
	v.SetDefault("tracking.user_action_timeout", "1h")

	// Learning defaults
	v.SetDefault("learning.halflife_days", 30)
	v.SetDefault("learning.warm_start_days", 30)
	v.SetDefault("learning.min_samples", 10)
	v.SetDefault("learning.adapt_interval", "1h")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.header_name", "X-API-Key")
	v.SetDefault("api.auth.require_https", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.update_interval", "15s")
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the ops server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the provider HTTP timeout as time.Duration
func (c *ProviderConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GetCacheTTL returns the quote-cache TTL as time.Duration
func (c *ProvidersConfig) GetCacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// GetInterval returns the scan cadence, falling back to five minutes on
// an unparseable value.
func (c *ScanConfig) GetInterval() time.Duration {
	return parseDuration(c.Interval, 5*time.Minute)
}

// GetPollInterval returns the outcome-tracker polling cadence
func (c *TrackingConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, 30*time.Second)
}

// GetUserActionTimeout returns the window the user gets to respond
func (c *TrackingConfig) GetUserActionTimeout() time.Duration {
	return parseDuration(c.UserActionTimeout, time.Hour)
}

// GetAdaptInterval returns the threshold-adapter cadence
func (c *LearningConfig) GetAdaptInterval() time.Duration {
	return parseDuration(c.AdaptInterval, time.Hour)
}

// GetUpdateInterval returns the metrics gauge refresh cadence
func (c *MonitoringConfig) GetUpdateInterval() time.Duration {
	return parseDuration(c.UpdateInterval, 15*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
