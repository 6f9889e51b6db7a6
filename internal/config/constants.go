package config

import "time"

// Platform-wide defaults applied when the config file omits a value.
const (
	// DefaultConfigPath is the fallback config file location.
	DefaultConfigPath = "gateway.yaml"
	// DefaultListenAddr is the fallback HTTP listen address.
	DefaultListenAddr = ":8318"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultDatabaseDSN points at a local SQLite file.
	DefaultDatabaseDSN = "gateway.db"
	// DefaultTokenIssuer is the issuer claim on gateway tokens.
	DefaultTokenIssuer = "inference-gateway"
	// DefaultTokenTTL is the lifetime of issued tokens.
	DefaultTokenTTL = 15 * time.Minute
	// DefaultRotationInterval is how often signing keys are rotated.
	DefaultRotationInterval = 24 * time.Hour
	// DefaultMonthlyBudgetCents is the platform fallback budget cap.
	DefaultMonthlyBudgetCents = 5000
	// DefaultReservationTTL bounds how long a reservation may stay open.
	DefaultReservationTTL = 5 * time.Minute
	// DefaultReapInterval is the sweep cadence for expired reservations.
	DefaultReapInterval = 2 * time.Minute
	// DefaultConfigCacheTTL bounds staleness of cached community config.
	DefaultConfigCacheTTL = 30 * time.Second
	// DefaultRateLimitClass is the class applied to unknown tiers.
	DefaultRateLimitClass = "restricted"
	// DefaultBurstLimit is the fallback short-window request cap.
	DefaultBurstLimit = 3
	// DefaultBurstWindow is the fallback burst window length.
	DefaultBurstWindow = 10 * time.Second
	// DefaultUserLimit is the fallback per-user window cap.
	DefaultUserLimit = 10
	// DefaultChannelLimit is the fallback per-channel window cap.
	DefaultChannelLimit = 30
	// DefaultCommunityLimit is the fallback per-community window cap.
	DefaultCommunityLimit = 60
	// DefaultQuotaWindow is the fallback window for quota dimensions.
	DefaultQuotaWindow = time.Minute
	// DefaultBackendTimeout bounds a single downstream call.
	DefaultBackendTimeout = 120 * time.Second
	// DefaultBackendRetries bounds retry attempts on retryable failures.
	DefaultBackendRetries = 3
	// DefaultBreakerThreshold is the consecutive-failure trip point.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is the open-state probe delay.
	DefaultBreakerCooldown = 30 * time.Second
	// DefaultUsagePushInterval is the sink delivery retry cadence.
	DefaultUsagePushInterval = 10 * time.Second
	// DefaultStreamSweepInterval is the abandoned-stream sweep cadence.
	DefaultStreamSweepInterval = 30 * time.Second
	// DefaultStreamIdleTTL marks a silent stream as abandoned.
	DefaultStreamIdleTTL = 2 * time.Minute
	// DefaultLogLevel is the fallback logrus level.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB bounds a single rotated log file.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups bounds retained rotated log files.
	DefaultLogMaxBackups = 5
)
