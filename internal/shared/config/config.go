package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Provider credentials are stored encrypted; this key decrypts them
	CredentialMasterKey string

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Rate limiting
	DefaultRPMLimit int

	// Credit rate cache
	RateCacheTTL time.Duration

	// Upstream
	ProviderTimeout time.Duration
	DebugUpstream   bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379"),
		CredentialMasterKey:     getEnv("CREDENTIAL_MASTER_KEY", ""),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
		DefaultRPMLimit:         getEnvInt("DEFAULT_RPM_LIMIT", 60),
		RateCacheTTL:            getEnvDuration("RATE_CACHE_TTL", 5*time.Minute),
		ProviderTimeout:         getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		DebugUpstream:           getEnvBool("DEBUG_UPSTREAM", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.CredentialMasterKey == "" {
		return fmt.Errorf("CREDENTIAL_MASTER_KEY is required")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	return nil
}

// IsProduction reports whether the gateway runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
