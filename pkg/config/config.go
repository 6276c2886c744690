package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRCPServer is the default RCP management API hostname.
	DefaultRCPServer = "rcp-server-prod.redislabs.com"

	// DefaultRCPUsername is the default RCP API username.
	DefaultRCPUsername = "operations"

	// DefaultHTTPTimeoutSeconds bounds every RCP API call.
	DefaultHTTPTimeoutSeconds = 30

	// DefaultCallsPerSecond is the RCP API throttle rate.
	DefaultCallsPerSecond = 2.0

	// DefaultMaxAttempts is the retry budget for a single RCP call.
	DefaultMaxAttempts = 3

	// DefaultRetryDelaySeconds is the initial retry delay.
	DefaultRetryDelaySeconds = 5

	// DefaultRetryBackoffFactor multiplies the delay after each failure.
	DefaultRetryBackoffFactor = 2

	// DefaultMaxWorkers bounds parallel cluster processing when enabled.
	DefaultMaxWorkers = 5

	// DefaultListen is the default analytics API listen address.
	DefaultListen = ":8080"
)

// Config is the root configuration for savingsoor.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	RCP       RCPConfig       `yaml:"rcp"`
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Report    ReportConfig    `yaml:"report"`
	Server    ServerConfig    `yaml:"server"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
}

// RCPConfig contains RCP management API connection settings. The password
// is intentionally not defaulted; it must come from the config file or the
// RCP_PASSWORD environment variable.
type RCPConfig struct {
	Server         string `yaml:"server"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// RateLimitConfig configures the shared RCP API throttle.
type RateLimitConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second"`
}

// RetryConfig configures exponential backoff for RCP calls.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	DelaySeconds  int `yaml:"delay_seconds"`
	BackoffFactor int `yaml:"backoff_factor"`
}

// ReportConfig controls the collection run.
type ReportConfig struct {
	ExcludeUIDs []string `yaml:"exclude_uids,omitempty"`
	Parallel    bool     `yaml:"parallel"`
	MaxWorkers  int      `yaml:"max_workers"`
}

// ServerConfig contains analytics API server settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// ArtifactConfig controls where the per-run CSV summary is written and
// whether it is uploaded to S3 afterwards.
type ArtifactConfig struct {
	OutputDir string          `yaml:"output_dir"`
	S3        *S3UploadConfig `yaml:"s3,omitempty"`
}

// S3UploadConfig contains S3 settings for artifact upload.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Load reads and parses a configuration file from the given path. An empty
// path yields a default configuration (environment overrides still apply).
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.RCP.Server == "" {
		c.RCP.Server = DefaultRCPServer
	}

	if c.RCP.Username == "" {
		c.RCP.Username = DefaultRCPUsername
	}

	if c.RCP.TimeoutSeconds == 0 {
		c.RCP.TimeoutSeconds = DefaultHTTPTimeoutSeconds
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}

		c.Database.SQLite.Path = filepath.Join(home, "aa_report_cache.db")
	}

	if c.RateLimit.CallsPerSecond == 0 {
		c.RateLimit.CallsPerSecond = DefaultCallsPerSecond
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}

	if c.Retry.DelaySeconds == 0 {
		c.Retry.DelaySeconds = DefaultRetryDelaySeconds
	}

	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = DefaultRetryBackoffFactor
	}

	if c.Report.MaxWorkers == 0 {
		c.Report.MaxWorkers = DefaultMaxWorkers
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Artifact.OutputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}

		c.Artifact.OutputDir = filepath.Join(home, "aa_reports")
	}
}

// applyEnv overlays credentials and endpoints from the environment. The
// environment wins over the config file so secrets can stay out of it.
func (c *Config) applyEnv() {
	if v := os.Getenv("RCP_SERVER"); v != "" {
		c.RCP.Server = v
	}

	if v := os.Getenv("RCP_USERNAME"); v != "" {
		c.RCP.Username = v
	}

	if v := os.Getenv("RCP_PASSWORD"); v != "" {
		c.RCP.Password = v
	}
}

// Validate checks the configuration for errors. Credential errors are fatal
// at startup, before any run row is created.
func (c *Config) Validate() error {
	if c.RCP.Password == "" {
		return fmt.Errorf("rcp password is required (set RCP_PASSWORD)")
	}

	if c.RCP.Server == "" || c.RCP.Username == "" {
		return fmt.Errorf("rcp server and username must be set")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.RateLimit.CallsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.calls_per_second must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}

	if c.Report.MaxWorkers < 1 {
		return fmt.Errorf("report.max_workers must be at least 1")
	}

	if c.Artifact.S3 != nil && c.Artifact.S3.Enabled && c.Artifact.S3.Bucket == "" {
		return fmt.Errorf("artifact.s3.bucket is required when s3 upload is enabled")
	}

	return nil
}
