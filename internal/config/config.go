package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	CorsOrigins     []string      `yaml:"cors_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ProvidersConfig struct {
	OpenAI    VendorConfig `yaml:"openai"`
	Anthropic VendorConfig `yaml:"anthropic"`
	Gemini    VendorConfig `yaml:"gemini"`
}

// VendorConfig holds one upstream vendor's credential and tuning. MaxTokens
// and APIVersion apply to Anthropic, HistoryWindow to Gemini.
type VendorConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxTokens     int           `yaml:"max_tokens"`
	APIVersion    string        `yaml:"api_version"`
	HistoryWindow int           `yaml:"history_window"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
}

type RateLimitConfig struct {
	Ceiling       int64         `yaml:"ceiling"`
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

type DatabaseConfig struct {
	EnablePersistence     bool          `yaml:"enable_persistence"`
	Driver                string        `yaml:"driver"`
	SQLitePath            string        `yaml:"sqlite_path"`
	URL                   string        `yaml:"url"`
	Host                  string        `yaml:"host"`
	Port                  string        `yaml:"port"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	Name                  string        `yaml:"name"`
	SSLMode               string        `yaml:"ssl_mode"`
	LedgerBackend         string        `yaml:"ledger_backend"`
	SubscriptionCacheTTL  time.Duration `yaml:"subscription_cache_ttl"`
	SubscriptionCacheSize int           `yaml:"subscription_cache_size"`
	FinalizeTimeout       time.Duration `yaml:"finalize_timeout"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// LoadYAML loads configuration from YAML file with environment variable overrides
func LoadYAML(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	// Load YAML file if it exists; keys it omits keep their defaults
	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		expandedYAML := os.ExpandEnv(string(yamlFile))

		if err := yaml.Unmarshal([]byte(expandedYAML), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Warn("Config file not found, using defaults and environment variables")
	}

	// Apply environment variable overrides
	config = applyEnvironmentOverrides(config)

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			CorsOrigins:     []string{"http://localhost:3000"},
			MaxBodyBytes:    8 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Providers: ProvidersConfig{
			OpenAI: VendorConfig{
				BaseURL: "https://api.openai.com/v1",
				Timeout: 120 * time.Second,
			},
			Anthropic: VendorConfig{
				BaseURL:    "https://api.anthropic.com/v1",
				Timeout:    120 * time.Second,
				MaxTokens:  4096,
				APIVersion: "2023-06-01",
			},
			Gemini: VendorConfig{
				BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
				Timeout:       120 * time.Second,
				HistoryWindow: 20,
			},
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Ceiling:       30,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
		},
		Database: DatabaseConfig{
			EnablePersistence:     true,
			Driver:                "postgres",
			SQLitePath:            "chat-relay.db",
			Host:                  "localhost",
			Port:                  "5432",
			User:                  "chat-relay",
			Name:                  "chat-relay",
			SSLMode:               "disable",
			LedgerBackend:         "gorm",
			SubscriptionCacheTTL:  30 * time.Second,
			SubscriptionCacheSize: 10000,
			FinalizeTimeout:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
			MaxRequests:      3,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = splitList(val)
	}
	if val := os.Getenv("MAX_BODY_BYTES"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Server.MaxBodyBytes = i
		}
	}

	// Provider overrides
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		config.Providers.OpenAI.APIKey = val
	}
	if val := os.Getenv("OPENAI_BASE_URL"); val != "" {
		config.Providers.OpenAI.BaseURL = val
	}
	if val := os.Getenv("ANTHROPIC_API_KEY"); val != "" {
		config.Providers.Anthropic.APIKey = val
	}
	if val := os.Getenv("ANTHROPIC_BASE_URL"); val != "" {
		config.Providers.Anthropic.BaseURL = val
	}
	if val := os.Getenv("ANTHROPIC_MAX_TOKENS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Providers.Anthropic.MaxTokens = i
		}
	}
	if val := os.Getenv("GOOGLE_API_KEY"); val != "" {
		config.Providers.Gemini.APIKey = val
	}
	if val := os.Getenv("GEMINI_BASE_URL"); val != "" {
		config.Providers.Gemini.BaseURL = val
	}
	if val := os.Getenv("PROVIDER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Providers.OpenAI.Timeout = d
			config.Providers.Anthropic.Timeout = d
			config.Providers.Gemini.Timeout = d
		}
	}

	// Auth overrides
	if val := os.Getenv("JWT_SECRET"); val != "" {
		config.Auth.JWTSecret = val
	}
	if val := os.Getenv("JWT_AUDIENCE"); val != "" {
		config.Auth.Audience = val
	}

	// Rate limit overrides
	if val := os.Getenv("RATE_LIMIT_CEILING"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.RateLimit.Ceiling = i
		}
	}
	if val := os.Getenv("RATE_LIMIT_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.RateLimit.Window = d
		}
	}
	if val := os.Getenv("RATE_LIMIT_BACKEND"); val != "" {
		config.RateLimit.Backend = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		config.RateLimit.RedisAddr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		config.RateLimit.RedisPassword = val
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_DRIVER"); val != "" {
		config.Database.Driver = val
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		config.Database.SQLitePath = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}
	if val := os.Getenv("LEDGER_BACKEND"); val != "" {
		config.Database.LedgerBackend = val
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_SUCCESS_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.SuccessThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = d
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	return config
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	if config.Auth.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required to verify session tokens")
	}

	if config.RateLimit.Ceiling <= 0 {
		errors = append(errors, fmt.Sprintf("rate_limit.ceiling must be positive (current: %d)", config.RateLimit.Ceiling))
	}
	if config.RateLimit.Window <= 0 {
		errors = append(errors, fmt.Sprintf("rate_limit.window must be positive (current: %s)", config.RateLimit.Window))
	}
	switch config.RateLimit.Backend {
	case "memory", "redis":
	default:
		errors = append(errors, fmt.Sprintf("rate_limit.backend must be memory or redis (current: %q)", config.RateLimit.Backend))
	}

	switch config.Database.Driver {
	case "postgres", "sqlite":
	default:
		errors = append(errors, fmt.Sprintf("database.driver must be postgres or sqlite (current: %q)", config.Database.Driver))
	}
	switch config.Database.LedgerBackend {
	case "gorm", "pgx":
	default:
		errors = append(errors, fmt.Sprintf("database.ledger_backend must be gorm or pgx (current: %q)", config.Database.LedgerBackend))
	}
	if config.Database.LedgerBackend == "pgx" && config.Database.Driver != "postgres" {
		errors = append(errors, "database.ledger_backend pgx requires the postgres driver")
	}

	if config.Providers.Anthropic.MaxTokens < 0 {
		errors = append(errors, fmt.Sprintf("providers.anthropic.max_tokens cannot be negative (current: %d)", config.Providers.Anthropic.MaxTokens))
	}

	// A vendor without a key only fails the requests routed to it
	vendors := map[string]string{
		"openai":    config.Providers.OpenAI.APIKey,
		"anthropic": config.Providers.Anthropic.APIKey,
		"gemini":    config.Providers.Gemini.APIKey,
	}
	for vendor, key := range vendors {
		if key == "" {
			logrus.WithField("vendor", vendor).Warn("No API key configured, requests for this vendor will fail")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// GetDatabaseDSN constructs the database connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Address is the listen address for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func Load() (*Config, error) {
	return LoadYAML("")
}
