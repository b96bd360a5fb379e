package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Drivers accepted by LEDGER_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	ListenAddr  string

	Driver      string
	DatabaseURL string
	SQLitePath  string

	RedisAddr         string
	RateLimitCapacity int
	RateLimitRefill   float64

	KafkaBrokers []string
	IPAllowlist  []string

	MaxBodyBytes int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		Driver:      envOr("LEDGER_DRIVER", DriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		RateLimitCapacity: envInt("RATE_LIMIT_CAPACITY", 100),
		RateLimitRefill:   envFloat("RATE_LIMIT_REFILL", 50),
		MaxBodyBytes:      int64(envInt("MAX_BODY_BYTES", 1<<20)),
	}

	if cidrs := os.Getenv("IP_ALLOWLIST"); cidrs != "" {
		cfg.IPAllowlist = strings.Split(cidrs, ",")
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete for its driver.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}

	switch c.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case DriverMemory:
		if c.Environment == "production" || c.Environment == "staging" {
			return errors.New("LEDGER_DRIVER=memory is not allowed in " + c.Environment)
		}
	default:
		return errors.New("unknown LEDGER_DRIVER: " + c.Driver)
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
