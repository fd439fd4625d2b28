// Package config provides environment configuration loading for the nukleus
// proxy.
//
// Configuration is loaded from environment variables with sensible defaults
// for development.
//
// Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal("Failed to load configuration:", err)
//	}
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the application environment.
type Environment string

const (
	// EnvDevelopment indicates a development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging indicates a staging environment.
	EnvStaging Environment = "staging"
	// EnvProduction indicates a production environment.
	EnvProduction Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	// Application settings
	App AppConfig

	// Proxy holds the core authorization/expiry behavior.
	Proxy ProxyConfig

	// Server is the accepting HTTP/WebSocket endpoint.
	Server ServerConfig

	// Redis is the optional token-verification cache.
	Redis RedisConfig

	// NATS is the optional lifecycle-event publisher.
	NATS NATSConfig

	// Observability configuration.
	Observability ObservabilityConfig
}

// AppConfig holds general application settings.
type AppConfig struct {
	// Environment is the application environment (development, staging, production).
	Environment Environment

	// LogLevel is the logging level (debug, info, warn, error).
	LogLevel string

	// LogFormat is the configured log output format (json, text). It is
	// loaded and logged only; config.NewLogger picks JSON or text from
	// Environment, not from this field.
	LogFormat string
}

// ProxyConfig holds the core authorization behavior of the proxy.
type ProxyConfig struct {
	// Keys is the JWK set file location.
	Keys string

	// ExpireInFlightRequests, when false, forces expiresAt to NEVER
	// regardless of the token's exp claim.
	ExpireInFlightRequests bool

	// ChallengeDeltaClaimNamespace is prefixed to the challenge-after claim
	// name ("caf") when reading the numeric-date claim from a token.
	ChallengeDeltaClaimNamespace string

	// DefaultChallengeDelta is used when a token carries no challenge-after
	// claim at all.
	DefaultChallengeDelta time.Duration
}

// ServerConfig holds HTTP server settings for the accepting endpoint.
type ServerConfig struct {
	// Port is the server port.
	Port int

	// Host is the server host.
	Host string

	// ReadTimeout is the read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration
}

// RedisConfig holds the optional token-verification cache settings.
type RedisConfig struct {
	// Enabled turns the verification cache on.
	Enabled bool

	// URL is the full Redis connection URL.
	URL string

	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis password (optional).
	Password string

	// Database is the Redis database number.
	Database int

	// TTL bounds how long a verified token's result is cached, independent
	// of the token's own exp.
	TTL time.Duration
}

// NATSConfig holds the optional lifecycle-event publisher settings.
type NATSConfig struct {
	// Enabled turns lifecycle event publishing on.
	Enabled bool

	// URL is the NATS server URL.
	URL string

	// Host is the NATS server hostname.
	Host string

	// Port is the NATS client port.
	Port int

	// MaxReconnects is the maximum number of reconnection attempts.
	MaxReconnects int

	// ReconnectWait is the wait duration between reconnection attempts.
	ReconnectWait time.Duration
}

// ObservabilityConfig holds monitoring settings. Non-goals exclude building
// a metrics pipeline.
type ObservabilityConfig struct {
	// TracingEnabled is loaded from TRACING_ENABLED; nothing in this
	// repository reads it, so it has no effect on logging or tracing.
	TracingEnabled bool

	// DebugRoutesEnabled exposes the /debug/grants diagnostic route.
	DebugRoutesEnabled bool
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies sensible defaults for development and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.App = loadAppConfig()
	cfg.Proxy = loadProxyConfig()
	cfg.Server = loadServerConfig()
	cfg.Redis = loadRedisConfig()
	cfg.NATS = loadNATSConfig()
	cfg.Observability = loadObservabilityConfig()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this for application startup where configuration is required.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks that all required configuration values are present and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Proxy.Keys == "" {
		errs = append(errs, errors.New("proxy: keys path must be set"))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server: port must be positive"))
	}

	if c.Redis.Enabled && c.Redis.URL == "" && c.Redis.Host == "" {
		errs = append(errs, errors.New("redis: either REDIS_URL or REDIS_HOST must be set when enabled"))
	}

	if c.NATS.Enabled && c.NATS.URL == "" && c.NATS.Host == "" {
		errs = append(errs, errors.New("nats: either NATS_URL or NATS_HOST must be set when enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDevelopment returns true if running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// RedisDSN returns the Redis connection string.
func (c *Config) RedisDSN() string {
	if c.Redis.URL != "" {
		return c.Redis.URL
	}
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", c.Redis.Password, c.Redis.Host, c.Redis.Port, c.Redis.Database)
	}
	return fmt.Sprintf("redis://%s:%d/%d", c.Redis.Host, c.Redis.Port, c.Redis.Database)
}

// LogConfig logs the current configuration (with sensitive values masked).
func (c *Config) LogConfig(logger *slog.Logger) {
	logger.Info("configuration loaded",
		slog.Group("app",
			slog.String("environment", string(c.App.Environment)),
			slog.String("log_level", c.App.LogLevel),
			slog.String("log_format", c.App.LogFormat),
		),
		slog.Group("proxy",
			slog.String("keys", c.Proxy.Keys),
			slog.Bool("expire_in_flight_requests", c.Proxy.ExpireInFlightRequests),
			slog.String("challenge_delta_claim_namespace", c.Proxy.ChallengeDeltaClaimNamespace),
			slog.Duration("default_challenge_delta", c.Proxy.DefaultChallengeDelta),
		),
		slog.Group("server",
			slog.String("host", c.Server.Host),
			slog.Int("port", c.Server.Port),
		),
		slog.Group("redis",
			slog.Bool("enabled", c.Redis.Enabled),
			slog.String("host", c.Redis.Host),
			slog.Int("port", c.Redis.Port),
		),
		slog.Group("nats",
			slog.Bool("enabled", c.NATS.Enabled),
			slog.String("host", c.NATS.Host),
			slog.Int("port", c.NATS.Port),
		),
	)
}

func loadAppConfig() AppConfig {
	env := getEnv("APP_ENV", "development")
	return AppConfig{
		Environment: parseEnvironment(env),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
}

func loadProxyConfig() ProxyConfig {
	return ProxyConfig{
		Keys:                         getEnv("PROXY_KEYS", "keys.jwk"),
		ExpireInFlightRequests:       getEnvBool("PROXY_EXPIRE_IN_FLIGHT_REQUESTS", true),
		ChallengeDeltaClaimNamespace: getEnv("PROXY_CHALLENGE_DELTA_CLAIM_NAMESPACE", ""),
		DefaultChallengeDelta:        getEnvDuration("PROXY_DEFAULT_CHALLENGE_DELTA", 0),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SERVER_HOST", "0.0.0.0"),
		Port:            getEnvInt("SERVER_PORT", 8080),
		ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  getEnvBool("REDIS_ENABLED", false),
		URL:      getEnv("REDIS_URL", ""),
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnvInt("REDIS_PORT", 6379),
		Password: getEnv("REDIS_PASSWORD", ""),
		Database: getEnvInt("REDIS_DB", 0),
		TTL:      getEnvDuration("REDIS_VERIFICATION_TTL", 60*time.Second),
	}
}

func loadNATSConfig() NATSConfig {
	return NATSConfig{
		Enabled:       getEnvBool("NATS_ENABLED", false),
		URL:           getEnv("NATS_URL", ""),
		Host:          getEnv("NATS_HOST", "localhost"),
		Port:          getEnvInt("NATS_PORT", 4222),
		MaxReconnects: getEnvInt("NATS_MAX_RECONNECTS", 10),
		ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		TracingEnabled:     getEnvBool("TRACING_ENABLED", false),
		DebugRoutesEnabled: getEnvBool("DEBUG_ROUTES_ENABLED", false),
	}
}

func parseEnvironment(env string) Environment {
	switch strings.ToLower(env) {
	case "production", "prod":
		return EnvProduction
	case "staging", "stage":
		return EnvStaging
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration supports Go duration strings (e.g., "5m", "1h30m", "300s").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
