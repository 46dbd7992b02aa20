// Package config loads service configuration from defaults, an optional YAML
// file, an optional .env file and the process environment (highest priority).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Near      NearConfig      `yaml:"near"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"SERVER_HOST"`
	Port         int           `yaml:"port" env:"SERVER_PORT"`
	BasePath     string        `yaml:"base_path" env:"SERVER_BASE_PATH"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	// AuditFile appends custody mutations as JSON lines when set.
	AuditFile string `yaml:"audit_file" env:"SERVER_AUDIT_FILE"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the SQL account store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"` // seconds
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig configures the distributed per-account lock. An empty Addr
// selects the in-process lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"REDIS_LOCK_TTL"`
}

// NearConfig configures the ledger connection.
type NearConfig struct {
	NetworkID       string        `yaml:"network_id" env:"NEAR_NETWORK_ID"`
	NodeURL         string        `yaml:"node_url" env:"NEAR_NODE_URL"`
	WalletAPIOrigin string        `yaml:"wallet_api_origin" env:"NEAR_WALLET_API_ORIGIN"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"NEAR_REQUEST_TIMEOUT"`
}

// LifecycleConfig tunes the undocking confirmation poll and resume sweeps.
type LifecycleConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" env:"LIFECYCLE_POLL_INTERVAL"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval" env:"LIFECYCLE_POLL_MAX_INTERVAL"`
	PollMultiplier  float64       `yaml:"poll_multiplier" env:"LIFECYCLE_POLL_MULTIPLIER"`
	PollMaxWait     time.Duration `yaml:"poll_max_wait" env:"LIFECYCLE_POLL_MAX_WAIT"`
	ResumeSchedule  string        `yaml:"resume_schedule" env:"LIFECYCLE_RESUME_SCHEDULE"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	Disabled  bool   `yaml:"disabled" env:"AUTH_DISABLED"`
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"AUTH_JWT_ISSUER"`
}

// CORSConfig lists allowed origins, space separated. Empty allows any origin.
type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// Origins splits AllowedOrigins.
func (c CORSConfig) Origins() []string {
	return strings.Fields(c.AllowedOrigins)
}

// RateLimitConfig configures per-client request limiting. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
	HostName   string `yaml:"host_name" env:"LOG_HOST_NAME"`
	Service    string `yaml:"service_name" env:"LOG_SERVICE_NAME"`
}

// SecretsConfig holds the at-rest key for custodial key material.
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			BasePath:     "/api/1.0.0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			MaxOpenConns:   10,
			MaxIdleConns:   5,
			MigrateOnStart: true,
		},
		Redis: RedisConfig{LockTTL: 30 * time.Second},
		Near: NearConfig{
			NetworkID:       "testnet",
			NodeURL:         "https://rpc.testnet.near.org",
			WalletAPIOrigin: "https://testnet-api.kitwallet.app",
			RequestTimeout:  15 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			PollInterval:    5 * time.Second,
			PollMaxInterval: time.Minute,
			PollMultiplier:  1.5,
			ResumeSchedule:  "@every 10m",
		},
		Auth:    AuthConfig{Issuer: "custody-layer"},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout", Service: "custody-layer"},
	}
}

// Load builds configuration using CONFIG_FILE (if set) and the environment.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile builds configuration from defaults, the given YAML file (may be
// empty), a .env file in the working directory (if present) and the
// environment.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Near.NodeURL) == "" {
		return fmt.Errorf("near node url is required")
	}
	if strings.TrimSpace(c.Near.WalletAPIOrigin) == "" {
		return fmt.Errorf("near wallet api origin is required")
	}
	if c.Lifecycle.PollInterval <= 0 {
		return fmt.Errorf("lifecycle poll interval must be positive")
	}
	if c.Lifecycle.PollMultiplier != 0 && c.Lifecycle.PollMultiplier < 1 {
		return fmt.Errorf("lifecycle poll multiplier must be >= 1")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required unless auth is disabled")
	}
	return nil
}
