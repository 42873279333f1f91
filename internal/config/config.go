// Package config loads service configuration from defaults, an
// optional YAML file, environment variables and CLI flags, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DB holds MySQL connection settings.
type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// HTTP holds the read API listener settings.
type HTTP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Exchange holds the upstream API settings.
type Exchange struct {
	BaseURL string `yaml:"base_url"`
}

// Config is the full service configuration.
type Config struct {
	DB       DB       `yaml:"db"`
	HTTP     HTTP     `yaml:"http"`
	Exchange Exchange `yaml:"exchange"`

	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestsPerSecond     float64       `yaml:"requests_per_second"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`

	// DefaultStartTimestamp is the backfill start for symbols with no
	// stored candles, in epoch milliseconds.
	DefaultStartTimestamp int64 `yaml:"default_start_timestamp"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		DB: DB{
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			Password: "root",
			Database: "smartchart",
		},
		HTTP: HTTP{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Exchange: Exchange{
			BaseURL: "https://api.bybit.com",
		},
		MaxConcurrentRequests: 20,
		RequestsPerSecond:     60,
		MaxRetries:            5,
		RetryDelay:            500 * time.Millisecond,
		// 2000-01-01T00:00:00Z
		DefaultStartTimestamp: 946_684_800_000,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("SMARTCHART_DB_HOST", &c.DB.Host)
	envInt("SMARTCHART_DB_PORT", &c.DB.Port)
	envString("SMARTCHART_DB_USER", &c.DB.User)
	envString("SMARTCHART_DB_PASSWORD", &c.DB.Password)
	envString("SMARTCHART_DB_NAME", &c.DB.Database)
	envString("SMARTCHART_HTTP_HOST", &c.HTTP.Host)
	envInt("SMARTCHART_HTTP_PORT", &c.HTTP.Port)
	envString("SMARTCHART_EXCHANGE_URL", &c.Exchange.BaseURL)
	envInt("SMARTCHART_MAX_CONCURRENT_REQUESTS", &c.MaxConcurrentRequests)
	envFloat("SMARTCHART_REQUESTS_PER_SECOND", &c.RequestsPerSecond)
	envInt("SMARTCHART_MAX_RETRIES", &c.MaxRetries)
	envDuration("SMARTCHART_RETRY_DELAY", &c.RetryDelay)
	envInt64("SMARTCHART_DEFAULT_START_TIMESTAMP", &c.DefaultStartTimestamp)
}

// BindFlags registers CLI overrides on a cobra/pflag flag set. Flag
// values write straight into the config, so flags win over file and
// environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DB.Host, "db-host", c.DB.Host, "MySQL host")
	fs.IntVar(&c.DB.Port, "db-port", c.DB.Port, "MySQL port")
	fs.StringVar(&c.DB.User, "db-user", c.DB.User, "MySQL user")
	fs.StringVar(&c.DB.Password, "db-password", c.DB.Password, "MySQL password")
	fs.StringVar(&c.DB.Database, "db-name", c.DB.Database, "MySQL database")
	fs.StringVar(&c.HTTP.Host, "http-host", c.HTTP.Host, "read API bind host")
	fs.IntVar(&c.HTTP.Port, "http-port", c.HTTP.Port, "read API bind port")
	fs.Float64Var(&c.RequestsPerSecond, "rps", c.RequestsPerSecond, "exchange requests per second")
	fs.IntVar(&c.MaxConcurrentRequests, "max-concurrent", c.MaxConcurrentRequests, "fetcher concurrency used for pool sizing")
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
