package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Budget    BudgetConfig    `yaml:"budget"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Backend   BackendConfig   `yaml:"backend"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// DatabaseConfig holds the durable store DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the shared atomic store connection settings.
// An empty Addr selects the in-process store, for single-node deployments.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig controls token issuance and key rotation.
type AuthConfig struct {
	Issuer           string        `yaml:"issuer"`
	TokenTTL         time.Duration `yaml:"token-ttl"`
	RotationOverlap  time.Duration `yaml:"rotation-overlap"`
	RotationInterval time.Duration `yaml:"rotation-interval"`
}

// BudgetConfig controls the ledger and its background jobs.
type BudgetConfig struct {
	DefaultMonthlyCents int64         `yaml:"default-monthly-cents"`
	ReservationTTL      time.Duration `yaml:"reservation-ttl"`
	ReapInterval        time.Duration `yaml:"reap-interval"`
	ConfigCacheTTL      time.Duration `yaml:"config-cache-ttl"`
}

// RateLimitWindow describes one admission dimension.
type RateLimitWindow struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitClass groups the per-dimension windows applied to a tier class.
type RateLimitClass struct {
	Burst     RateLimitWindow `yaml:"burst"`
	User      RateLimitWindow `yaml:"user"`
	Channel   RateLimitWindow `yaml:"channel"`
	Community RateLimitWindow `yaml:"community"`
}

// RateLimitConfig maps rate-limit class names to their windows.
type RateLimitConfig struct {
	Classes map[string]RateLimitClass `yaml:"classes"`
}

// BackendConfig controls the downstream inference client.
type BackendConfig struct {
	BaseURL          string        `yaml:"base-url"`
	APIKey           string        `yaml:"api-key"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max-retries"`
	BreakerThreshold int           `yaml:"breaker-threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker-cooldown"`
}

// UsageConfig controls usage-record delivery to the ingestion sink.
type UsageConfig struct {
	SinkURL       string        `yaml:"sink-url"`
	PushInterval  time.Duration `yaml:"push-interval"`
	StreamSweep   time.Duration `yaml:"stream-sweep"`
	StreamIdleTTL time.Duration `yaml:"stream-idle-ttl"`
}

// LoggingConfig controls logrus output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Load reads a YAML config file and applies defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	resolved := ResolveConfigPath(path)
	data, errRead := os.ReadFile(resolved)
	if errRead != nil {
		if os.IsNotExist(errRead) && strings.TrimSpace(path) == "" {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ResolveConfigPath picks the config path from the argument or environment.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return filepath.Clean(trimmed)
	}
	for _, key := range []string{"GATEWAY_CONFIG", "gateway_config"} {
		if value, ok := os.LookupEnv(key); ok {
			if v := strings.TrimSpace(value); v != "" {
				return filepath.Clean(v)
			}
		}
	}
	return DefaultConfigPath
}

// Default returns a Config populated with platform defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = DefaultDatabaseDSN
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Auth.RotationOverlap <= 0 {
		// Overlap must outlive every token signed with the retiring key.
		c.Auth.RotationOverlap = 2 * c.Auth.TokenTTL
	}
	if c.Auth.RotationInterval <= 0 {
		c.Auth.RotationInterval = DefaultRotationInterval
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = DefaultTokenIssuer
	}
	if c.Budget.DefaultMonthlyCents <= 0 {
		c.Budget.DefaultMonthlyCents = DefaultMonthlyBudgetCents
	}
	if c.Budget.ReservationTTL <= 0 {
		c.Budget.ReservationTTL = DefaultReservationTTL
	}
	if c.Budget.ReapInterval <= 0 {
		c.Budget.ReapInterval = DefaultReapInterval
	}
	if c.Budget.ConfigCacheTTL <= 0 {
		c.Budget.ConfigCacheTTL = DefaultConfigCacheTTL
	}
	if c.RateLimit.Classes == nil {
		c.RateLimit.Classes = map[string]RateLimitClass{}
	}
	if _, ok := c.RateLimit.Classes[DefaultRateLimitClass]; !ok {
		c.RateLimit.Classes[DefaultRateLimitClass] = RateLimitClass{
			Burst:     RateLimitWindow{Limit: DefaultBurstLimit, Window: DefaultBurstWindow},
			User:      RateLimitWindow{Limit: DefaultUserLimit, Window: DefaultQuotaWindow},
			Channel:   RateLimitWindow{Limit: DefaultChannelLimit, Window: DefaultQuotaWindow},
			Community: RateLimitWindow{Limit: DefaultCommunityLimit, Window: DefaultQuotaWindow},
		}
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}
	if c.Backend.MaxRetries <= 0 {
		c.Backend.MaxRetries = DefaultBackendRetries
	}
	if c.Backend.BreakerThreshold <= 0 {
		c.Backend.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.Backend.BreakerCooldown <= 0 {
		c.Backend.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.Usage.PushInterval <= 0 {
		c.Usage.PushInterval = DefaultUsagePushInterval
	}
	if c.Usage.StreamSweep <= 0 {
		c.Usage.StreamSweep = DefaultStreamSweepInterval
	}
	if c.Usage.StreamIdleTTL <= 0 {
		c.Usage.StreamIdleTTL = DefaultStreamIdleTTL
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
}

// ClassFor returns the rate-limit class config, falling back to the default class.
func (c *Config) ClassFor(name string) RateLimitClass {
	if class, ok := c.RateLimit.Classes[strings.TrimSpace(name)]; ok {
		return class
	}
	return c.RateLimit.Classes[DefaultRateLimitClass]
}
