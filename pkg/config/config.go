// Package config loads application configuration from the environment,
// optionally seeded from a local .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Addr               string
	RateLimitPerSecond int
	RateLimitBurst     int
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns the connection string, preferring a full DATABASE_URL when set.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type GatewayConfig struct {
	// FailPattern makes the simulated gateway decline charges for emails
	// containing this substring. Leave empty in production setups that
	// plug a real gateway.
	FailPattern string
}

type WorkerConfig struct {
	SweepInterval time.Duration
	MetricsAddr   string
}

type Config struct {
	Env      string
	Server   ServerConfig
	Database DatabaseConfig
	Gateway  GatewayConfig
	Worker   WorkerConfig
}

// Load reads configuration from the environment. A missing .env file is not
// an error; explicit environment variables always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Addr:               getEnv("SERVER_ADDR", ":8080"),
			RateLimitPerSecond: getEnvInt("RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "subs"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Gateway: GatewayConfig{
			FailPattern: getEnv("GATEWAY_FAIL_PATTERN", "fail"),
		},
		Worker: WorkerConfig{
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Hour),
			MetricsAddr:   getEnv("WORKER_METRICS_ADDR", ":9091"),
		},
	}

	if cfg.Database.DSN() == "" {
		return nil, fmt.Errorf("database configuration is incomplete")
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
