package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	RedisURL   string
	NasaAPIKey string

	// AuthVerifyURL points at the external credential collaborator. Empty
	// means the static dev verifier with AuthStaticToken.
	AuthVerifyURL   string
	AuthStaticToken string

	SubscriptionLimit int
	MessageRate       float64
	MessageBurst      int

	// QuotaLimit operations per QuotaWindow per principal. Zero disables
	// quota enforcement.
	QuotaLimit  int
	QuotaWindow time.Duration

	SnapshotInterval time.Duration

	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		RedisURL:        getEnv("REDIS_URL", ""),
		NasaAPIKey:      getEnv("NASA_API_KEY", "DEMO_KEY"),
		AuthVerifyURL:   getEnv("AUTH_VERIFY_URL", ""),
		AuthStaticToken: getEnv("AUTH_STATIC_TOKEN", ""),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.AuthVerifyURL == "" && cfg.AuthStaticToken == "" {
		return nil, fmt.Errorf("one of AUTH_VERIFY_URL or AUTH_STATIC_TOKEN is required")
	}

	var err error
	if cfg.SubscriptionLimit, err = getEnvInt("SUBSCRIPTION_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.SubscriptionLimit < 1 {
		return nil, fmt.Errorf("SUBSCRIPTION_LIMIT must be at least 1")
	}

	if cfg.MessageRate, err = getEnvFloat("MESSAGE_RATE", 5); err != nil {
		return nil, err
	}
	if cfg.MessageRate <= 0 {
		return nil, fmt.Errorf("MESSAGE_RATE must be positive")
	}
	if cfg.MessageBurst, err = getEnvInt("MESSAGE_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.MessageBurst < 1 {
		return nil, fmt.Errorf("MESSAGE_BURST must be at least 1")
	}

	if cfg.QuotaLimit, err = getEnvInt("QUOTA_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.QuotaWindow, err = getEnvDuration("QUOTA_WINDOW", time.Hour); err != nil {
		return nil, err
	}

	if cfg.SnapshotInterval, err = getEnvDuration("SNAPSHOT_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SnapshotInterval < time.Second || cfg.SnapshotInterval > 30*time.Second {
		return nil, fmt.Errorf("SNAPSHOT_INTERVAL must be between 1s and 30s")
	}

	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 10s: %w", key, err)
	}
	return d, nil
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			for len(part) > 0 && part[0] == ' ' {
				part = part[1:]
			}
			for len(part) > 0 && part[len(part)-1] == ' ' {
				part = part[:len(part)-1]
			}
			if part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
