// Package config defines runtime defaults, environment loading and
// validation for the chat fanout service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig is the token bucket applied to frames of one connection.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds every setting of a worker process. Empty DatabaseURL,
// RedisAddr and NATSURL select the in-process implementation of the
// corresponding collaborator.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	NodeID string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RegistryTTL   time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	JetStream         bool

	RecoveryWindow time.Duration
	RecoveryBuffer int

	LogLevel  string
	LogFormat string
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultBurst          = 5
	defaultRefill         = time.Second
	defaultPrefix         = "chatfanout"
	defaultRegistryTTL    = 15 * time.Second
	defaultRecoveryWindow = 2 * time.Minute
	defaultRecoveryBuffer = 256
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
)

// NewConfig returns the defaults: a single in-memory worker on :8080.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefill,
		},
		NATSSubjectPrefix: defaultPrefix,
		JetStream:         true,
		RegistryTTL:       defaultRegistryTTL,
		RecoveryWindow:    defaultRecoveryWindow,
		RecoveryBuffer:    defaultRecoveryBuffer,
		LogLevel:          defaultLogLevel,
		LogFormat:         defaultLogFormat,
	}
}

// NewConfigFromEnv overlays environment variables on NewConfig. Unset or
// unparsable values keep their default.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.NodeID = os.Getenv("NODE_ID")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if db := os.Getenv("REDIS_DB"); db != "" {
		if parsed, err := strconv.Atoi(db); err == nil && parsed >= 0 {
			cfg.RedisDB = parsed
		}
	}
	if ttl := os.Getenv("REGISTRY_TTL"); ttl != "" {
		cfg.RegistryTTL = parseSeconds(ttl, cfg.RegistryTTL)
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	if prefix := os.Getenv("NATS_SUBJECT_PREFIX"); prefix != "" {
		cfg.NATSSubjectPrefix = prefix
	}
	if js := os.Getenv("NATS_JETSTREAM"); js != "" {
		if parsed, err := strconv.ParseBool(js); err == nil {
			cfg.JetStream = parsed
		}
	}

	if window := os.Getenv("RECOVERY_WINDOW"); window != "" {
		cfg.RecoveryWindow = parseSeconds(window, cfg.RecoveryWindow)
	}
	if buffer := os.Getenv("RECOVERY_BUFFER"); buffer != "" {
		cfg.RecoveryBuffer = parseIntValue(buffer, cfg.RecoveryBuffer)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = strings.ToLower(format)
	}

	return &cfg
}

// Sanitize returns a copy of cfg with invalid or missing values replaced by
// defaults.
func Sanitize(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefill
	}
	if cfg.NATSSubjectPrefix == "" {
		cfg.NATSSubjectPrefix = defaultPrefix
	}
	if cfg.RegistryTTL <= 0 {
		cfg.RegistryTTL = defaultRegistryTTL
	}
	if cfg.RecoveryWindow < 0 {
		cfg.RecoveryWindow = 0
	}
	if cfg.RecoveryBuffer <= 0 {
		cfg.RecoveryBuffer = defaultRecoveryBuffer
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat != "json" {
		cfg.LogFormat = defaultLogFormat
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
