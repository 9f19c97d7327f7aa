// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agrosyncd configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Remote store ("postgrest" or "postgres")
	RemoteBackend      string        `yaml:"remote_backend"`
	SupabaseURL        string        `yaml:"supabase_url"`
	SupabaseAnonKey    string        `yaml:"supabase_anon_key"`
	SupabaseServiceKey string        `yaml:"supabase_service_key"`
	DatabaseURL        string        `yaml:"database_url"`
	RemoteTimeout      time.Duration `yaml:"remote_timeout"`

	// Host persistence ("file", "sqlite", "s3" or "memory")
	PersistBackend  string `yaml:"persist_backend"`
	PersistPath     string `yaml:"persist_path"`
	PersistMaxBytes int64  `yaml:"persist_max_bytes"`

	// S3 persistence
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3Prefix    string `yaml:"s3_prefix"`

	// Queue policy
	MaxQueueLen            int           `yaml:"max_queue_len"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ProbeInterval          time.Duration `yaml:"probe_interval"`
	DrainOnReconnect       bool          `yaml:"drain_on_reconnect"`

	// Requests per minute per user on the API, 0 = unlimited
	RateLimitRPM int `yaml:"rate_limit_rpm"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:             ":8080",
		MetricsAddr:            ":9090",
		LogLevel:               "info",
		LogFormat:              "json",
		RemoteBackend:          "postgrest",
		RemoteTimeout:          15 * time.Second,
		PersistBackend:         "file",
		PersistPath:            "./data",
		PersistMaxBytes:        5 * 1024 * 1024, // 5 MiB
		S3Region:               "us-east-1",
		MaxConsecutiveFailures: 3,
		ProbeInterval:          60 * time.Second,
		DrainOnReconnect:       true,
		RateLimitRPM:           600,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.JWTSecret = envOr("JWT_SECRET", c.JWTSecret)

	c.RemoteBackend = envOr("REMOTE_BACKEND", c.RemoteBackend)
	c.SupabaseURL = envOr("SUPABASE_URL", c.SupabaseURL)
	c.SupabaseAnonKey = envOr("SUPABASE_ANON_KEY", c.SupabaseAnonKey)
	c.SupabaseServiceKey = envOr("SUPABASE_SERVICE_KEY", c.SupabaseServiceKey)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.RemoteTimeout = envDuration("REMOTE_TIMEOUT", c.RemoteTimeout)

	c.PersistBackend = envOr("PERSIST_BACKEND", c.PersistBackend)
	c.PersistPath = envOr("PERSIST_PATH", c.PersistPath)
	c.PersistMaxBytes = envInt64("PERSIST_MAX_BYTES", c.PersistMaxBytes)

	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3Prefix = envOr("S3_PREFIX", c.S3Prefix)

	c.MaxQueueLen = envInt("MAX_QUEUE_LEN", c.MaxQueueLen)
	c.MaxConsecutiveFailures = envInt("MAX_CONSECUTIVE_FAILURES", c.MaxConsecutiveFailures)
	c.ProbeInterval = envDuration("PROBE_INTERVAL", c.ProbeInterval)
	c.DrainOnReconnect = envBool("DRAIN_ON_RECONNECT", c.DrainOnReconnect)
	c.RateLimitRPM = envInt("RATE_LIMIT_RPM", c.RateLimitRPM)
}

// Validate checks required settings and backend names.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.RemoteBackend {
	case "postgrest":
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the postgrest backend")
		}
		if c.SupabaseAnonKey == "" && c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_ANON_KEY or SUPABASE_SERVICE_KEY is required for the postgrest backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown remote backend: %s", c.RemoteBackend)
	}

	switch c.PersistBackend {
	case "file", "sqlite", "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 persistence backend")
		}
	default:
		return fmt.Errorf("unknown persistence backend: %s", c.PersistBackend)
	}

	if c.MaxQueueLen < 0 {
		return fmt.Errorf("MAX_QUEUE_LEN must not be negative")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.RemoteTimeout < 0 || c.ProbeInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
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
