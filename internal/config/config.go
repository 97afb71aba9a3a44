// Package config handles loading application configuration from environment variables.
// All settings have sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application settings loaded from environment variables.
type Config struct {
	Port               string
	DatabasePath       string
	JWTSecret          string
	TokenDuration      time.Duration
	MeetingTokenTTL    time.Duration
	BillingInterval    time.Duration
	PlatformFeePercent int
	DefaultCurrency    string
	MeetingBaseURL     string
	RateLimitPerMinute int
	SeedDemoData       bool
	CORSAllowedOrigins []string
	TrustedProxies     []string
	SentryDSN          string
	SentryDSNFrontend  string
	SentryEnvironment  string
}

// Load reads configuration from environment variables, using defaults where not set.
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./soulseer.db"),
		JWTSecret:          getEnv("JWT_SECRET", "change-me-in-production"), // #nosec G101 -- intentional dev default
		TokenDuration:      getDurationEnv("TOKEN_DURATION", 24*time.Hour),
		MeetingTokenTTL:    getDurationEnv("MEETING_TOKEN_TTL", 2*time.Hour),
		BillingInterval:    getDurationEnv("BILLING_INTERVAL", 60*time.Second),
		PlatformFeePercent: getIntEnv("PLATFORM_FEE_PERCENT", 15),
		DefaultCurrency:    getEnv("DEFAULT_CURRENCY", "usd"),
		MeetingBaseURL:     getEnv("MEETING_BASE_URL", "https://meet.soulseer.com"),
		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 30),
		SeedDemoData:       getBoolEnv("SEED_DEMO_DATA", false),
		CORSAllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		TrustedProxies:     getStringSliceEnv("TRUSTED_PROXIES"),
		SentryDSN:          getEnv("SENTRY_DSN", ""),
		SentryDSNFrontend:  getEnv("SENTRY_DSN_FRONTEND", ""),
		SentryEnvironment:  getEnv("SENTRY_ENVIRONMENT", "production"),
	}
}

func getStringSliceEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
