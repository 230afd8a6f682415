package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateProviders()...)
	errors = append(errors, c.validateScan()...)
	errors = append(errors, c.validateTracking()...)
	errors = append(errors, c.validateLearning()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: "Redis port is required",
		})
	} else if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if !c.NATS.Enabled {
		return errors
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required when NATS is enabled",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://' or 'tls://'",
		})
	}

	return errors
}

func (c *Config) validateProviders() ValidationErrors {
	var errors ValidationErrors

	if len(c.Providers.Order) == 0 {
		errors = append(errors, ValidationError{
			Field:   "providers.order",
			Message: "At least one market data provider is required",
		})
	}

	known := map[string]bool{"alpha_vantage": true, "twelve_data": true}
	for _, name := range c.Providers.Order {
		if !known[name] {
			errors = append(errors, ValidationError{
				Field:   "providers.order",
				Message: fmt.Sprintf("Unknown provider '%s'. Must be one of: alpha_vantage, twelve_data", name),
			})
		}
	}

	for name, p := range map[string]ProviderConfig{
		"alpha_vantage": c.Providers.AlphaVantage,
		"twelve_data":   c.Providers.TwelveData,
	} {
		if p.RequestsPerMinute < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("providers.%s.requests_per_minute", name),
				Message: "Rate limit cannot be negative",
			})
		}
		if p.DailyBudget < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("providers.%s.daily_budget", name),
				Message: "Daily budget cannot be negative",
			})
		}
	}

	if c.Providers.CacheTTLSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "providers.cache_ttl_seconds",
			Message: "Cache TTL cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateScan() ValidationErrors {
	var errors ValidationErrors

	if c.Scan.Interval != "" {
		if d, err := time.ParseDuration(c.Scan.Interval); err != nil || d < time.Minute {
			errors = append(errors, ValidationError{
				Field:   "scan.interval",
				Message: fmt.Sprintf("Invalid scan interval '%s'. Must be a duration of at least 1m", c.Scan.Interval),
			})
		}
	}

	if c.Scan.Concurrency < 8 || c.Scan.Concurrency > 16 {
		errors = append(errors, ValidationError{
			Field:   "scan.concurrency",
			Message: fmt.Sprintf("Concurrency %d out of range. Must be between 8-16", c.Scan.Concurrency),
		})
	}

	if c.Scan.ProfilesDir == "" {
		errors = append(errors, ValidationError{
			Field:   "scan.profiles_dir",
			Message: "Profiles directory is required",
		})
	}

	return errors
}

func (c *Config) validateTracking() ValidationErrors {
	var errors ValidationErrors

	if c.Tracking.ProfitThreshold <= 0 || c.Tracking.ProfitThreshold >= 1 {
		errors = append(errors, ValidationError{
			Field:   "tracking.profit_threshold",
			Message: fmt.Sprintf("Profit threshold %v out of range. Must be between 0 and 1 exclusive", c.Tracking.ProfitThreshold),
		})
	}

	if c.Tracking.PollInterval != "" {
		if _, err := time.ParseDuration(c.Tracking.PollInterval); err != nil {
			errors = append(errors, ValidationError{
				Field:   "tracking.poll_interval",
				Message: fmt.Sprintf("Invalid poll interval '%s'", c.Tracking.PollInterval),
			})
		}
	}

	if c.Tracking.UserActionTimeout != "" {
		if _, err := time.ParseDuration(c.Tracking.UserActionTimeout); err != nil {
			errors = append(errors, ValidationError{
				Field:   "tracking.user_action_timeout",
				Message: fmt.Sprintf("Invalid user action timeout '%s'", c.Tracking.UserActionTimeout),
			})
		}
	}

	return errors
}

func (c *Config) validateLearning() ValidationErrors {
	var errors ValidationErrors

	if c.Learning.HalflifeDays <= 0 {
		errors = append(errors, ValidationError{
			Field:   "learning.halflife_days",
			Message: "Half-life must be positive",
		})
	}

	if c.Learning.WarmStartDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "learning.warm_start_days",
			Message: "Warm-start window cannot be negative",
		})
	}

	if c.Learning.MinSamples < 1 {
		errors = append(errors, ValidationError{
			Field:   "learning.min_samples",
			Message: "Minimum sample size must be at least 1",
		})
	}

	if c.Learning.AdaptInterval != "" {
		if _, err := time.ParseDuration(c.Learning.AdaptInterval); err != nil {
			errors = append(errors, ValidationError{
				Field:   "learning.adapt_interval",
				Message: fmt.Sprintf("Invalid adapt interval '%s'", c.Learning.AdaptInterval),
			})
		}
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: "API port is required",
		})
	} else if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment == "production" {
		// Validate production secrets strength
		secretErrors := ValidateProductionSecrets(c)
		errors = append(errors, secretErrors...)

		// Ensure SSL for database in production
		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{
				Field:   "database.ssl_mode",
				Message: "SSL must be enabled for database in production",
			})
		}

		// The detection loop is useless without at least one vendor key
		if c.Providers.AlphaVantage.APIKey == "" && c.Providers.TwelveData.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "providers",
				Message: "At least one market data provider API key is required in production",
			})
		}
	}

	return errors
}

// ValidateAndLoad loads and validates configuration
// Returns the loaded config and any validation errors
// configPath can be empty to use default config locations
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validation is already called within Load(), but we can call it again
	// for explicit validation if Load() is modified in the future
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
