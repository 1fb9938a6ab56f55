// Package platform provides configuration for the peerbench services.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete peerbench configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Hashing     HashingConfig     `yaml:"hashing"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Bench       BenchConfig       `yaml:"bench"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// ServerConfig configures the HTTP query server.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig configures the database connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// HashingConfig configures tenant fingerprint hashing. The secret is a
// server-held key: it is never logged and never exposed via any interface.
type HashingConfig struct {
	Secret      string `yaml:"secret"`
	SaltVersion string `yaml:"salt_version"`
}

// IngestionConfig tunes bulk ingestion.
type IngestionConfig struct {
	// TenantTimeout bounds each per-tenant ingestion call.
	TenantTimeout time.Duration `yaml:"tenant_timeout"`
}

// AggregationConfig tunes the daily aggregation pass.
type AggregationConfig struct {
	// RunTimeout bounds one per-date aggregation pass.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// BenchConfig tunes the benchmark query surface.
type BenchConfig struct {
	// MinSampleSize is the default anonymity floor.
	MinSampleSize int `yaml:"min_sample_size"`
}

// RetentionConfig tunes the cleanup job.
type RetentionConfig struct {
	HourlyRetention time.Duration `yaml:"hourly_retention"`
	DailyRetention  time.Duration `yaml:"daily_retention"`
	// Interval between scheduled cleanup runs in serve mode.
	Interval time.Duration `yaml:"interval"`
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Hashing.SaltVersion == "" {
		cfg.Hashing.SaltVersion = "v1"
	}
	if cfg.Ingestion.TenantTimeout == 0 {
		cfg.Ingestion.TenantTimeout = 2 * time.Minute
	}
	if cfg.Aggregation.RunTimeout == 0 {
		cfg.Aggregation.RunTimeout = 10 * time.Minute
	}
	if cfg.Bench.MinSampleSize == 0 {
		cfg.Bench.MinSampleSize = 5
	}
	if cfg.Retention.HourlyRetention == 0 {
		cfg.Retention.HourlyRetention = 2160 * time.Hour
	}
	if cfg.Retention.DailyRetention == 0 {
		cfg.Retention.DailyRetention = 8760 * time.Hour
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = time.Hour
	}
}

// Validate checks the configuration. A missing hashing secret is fatal:
// the services must refuse to start rather than degrade to an unkeyed hash.
func (c *Config) Validate() error {
	var errs []string

	if c.Hashing.Secret == "" {
		errs = append(errs, "hashing.secret is required")
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Bench.MinSampleSize < 1 {
		errs = append(errs, "bench.min_sample_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
