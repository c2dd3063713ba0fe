package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	EventLogDriverPostgres = "postgres"
	EventLogDriverSQLite   = "sqlite"

	BridgeDriverRedis  = "redis"
	BridgeDriverMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Event log and sync pipeline configuration
	EventLog EventLogConfig

	// Distribution bridge configuration
	Bridge BridgeConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// EventLogConfig holds event log, versioning and catch-up configuration
type EventLogConfig struct {
	Driver             string // postgres, sqlite
	SQLitePath         string
	Retention          time.Duration // 0 keeps the whole log queryable
	CatchUpLimit       int
	CatchUpMaxLimit    int
	AutoVersionRetries int
	PublishQueueSize   int
	PublishWorkers     int
	PublishTimeout     time.Duration
}

// BridgeConfig holds distribution bridge configuration
type BridgeConfig struct {
	Driver        string // redis, memory
	RedisURL      string
	ChannelPrefix string
	RetryInterval time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	WriteRPS          float64 // Stricter limit for the write endpoint
	WriteBurst        int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	AuthTimeout     time.Duration
	SendBuffer      int
	DedupeWindow    int
	MessageRPS      float64
	MessageBurst    int
	MaxMessageSize  int64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
	InstanceID  string
}

// Load reads .env when present, then the environment, and validates the
// result. Malformed values are reported rather than silently defaulted.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the configuration without loading .env or validating it.
// The returned config is always usable; the error lists variables that were
// set but could not be parsed, whose defaults were kept.
func FromEnv() (*Config, error) {
	var env envReader

	cfg := &Config{
		Server: ServerConfig{
			Port:            env.text("SERVER_PORT", ":8080"),
			ReadTimeout:     env.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    env.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     env.duration("SERVER_IDLE_TIMEOUT", time.Minute),
			ShutdownTimeout: env.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     env.list("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:             env.text("DATABASE_URL", ""),
			MaxOpenConns:    env.integer("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    env.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: env.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: env.duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			AutoMigrate:     env.flag("DB_AUTO_MIGRATE", false),
		},
		EventLog: EventLogConfig{
			Driver:             env.text("EVENT_LOG_DRIVER", EventLogDriverPostgres),
			SQLitePath:         env.text("SQLITE_PATH", "sync-engine.db"),
			Retention:          env.duration("EVENT_LOG_RETENTION", 0),
			CatchUpLimit:       env.integer("CATCHUP_DEFAULT_LIMIT", 100),
			CatchUpMaxLimit:    env.integer("CATCHUP_MAX_LIMIT", 1000),
			AutoVersionRetries: env.integer("SYNC_AUTO_VERSION_RETRIES", 3),
			PublishQueueSize:   env.integer("SYNC_PUBLISH_QUEUE", 1024),
			PublishWorkers:     env.integer("SYNC_PUBLISH_WORKERS", 2),
			PublishTimeout:     env.duration("SYNC_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Bridge: BridgeConfig{
			Driver:        env.text("BRIDGE_DRIVER", BridgeDriverRedis),
			RedisURL:      env.text("REDIS_URL", "redis://localhost:6379/0"),
			ChannelPrefix: env.text("BRIDGE_CHANNEL_PREFIX", "sync"),
			RetryInterval: env.duration("BRIDGE_RETRY_INTERVAL", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:         env.text("JWT_SECRET", ""),
			AccessTokenTTL: env.duration("JWT_ACCESS_TOKEN_TTL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           env.flag("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: env.number("RATE_LIMIT_RPS", 10),
			BurstSize:         env.integer("RATE_LIMIT_BURST", 20),
			WriteRPS:          env.number("RATE_LIMIT_WRITE_RPS", 50),
			WriteBurst:        env.integer("RATE_LIMIT_WRITE_BURST", 100),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  env.list("WS_ALLOWED_ORIGINS"),
			ReadBufferSize:  env.integer("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: env.integer("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    env.duration("WS_PING_INTERVAL", 54*time.Second),
			PongWait:        env.duration("WS_PONG_WAIT", time.Minute),
			AuthTimeout:     env.duration("WS_AUTH_TIMEOUT", 10*time.Second),
			SendBuffer:      env.integer("WS_SEND_BUFFER", 256),
			DedupeWindow:    env.integer("WS_DEDUPE_WINDOW", 1024),
			MessageRPS:      env.number("WS_MESSAGE_RPS", 20),
			MessageBurst:    env.integer("WS_MESSAGE_BURST", 40),
			MaxMessageSize:  int64(env.integer("WS_MAX_MESSAGE_SIZE", 64<<10)),
		},
		Logging: LoggingConfig{
			Level:  env.text("LOG_LEVEL", "info"),
			Format: env.text("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        env.text("APP_NAME", "sync-engine"),
			Version:     env.text("APP_VERSION", "dev"),
			Environment: env.text("APP_ENV", "development"),
			InstanceID:  env.text("INSTANCE_ID", ""),
		},
	}
	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = uuid.NewString()
	}

	return cfg, errors.Join(env.errs...)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.EventLog.Driver {
	case EventLogDriverPostgres:
		if c.Database.URL == "" {
			fail("DATABASE_URL is required when EVENT_LOG_DRIVER=%s", EventLogDriverPostgres)
		}
	case EventLogDriverSQLite:
		if c.EventLog.SQLitePath == "" {
			fail("SQLITE_PATH is required when EVENT_LOG_DRIVER=%s", EventLogDriverSQLite)
		}
	default:
		fail("EVENT_LOG_DRIVER must be %q or %q", EventLogDriverPostgres, EventLogDriverSQLite)
	}

	switch c.Bridge.Driver {
	case BridgeDriverRedis:
		if c.Bridge.RedisURL == "" {
			fail("REDIS_URL is required when BRIDGE_DRIVER=%s", BridgeDriverRedis)
		}
	case BridgeDriverMemory:
	default:
		fail("BRIDGE_DRIVER must be %q or %q", BridgeDriverRedis, BridgeDriverMemory)
	}

	if c.JWT.Secret == "" {
		fail("JWT_SECRET is required")
	}

	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			fail("JWT_SECRET must be at least 32 characters in production")
		}
		if len(c.WebSocket.AllowedOrigins) == 0 {
			fail("WS_ALLOWED_ORIGINS must be set in production")
		}
		if c.Bridge.Driver == BridgeDriverMemory {
			fail("BRIDGE_DRIVER=memory cannot fan out across instances in production")
		}
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		fail("DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}
	if c.EventLog.Retention < 0 {
		fail("EVENT_LOG_RETENTION cannot be negative")
	}
	if c.EventLog.CatchUpLimit <= 0 || c.EventLog.CatchUpLimit > c.EventLog.CatchUpMaxLimit {
		fail("CATCHUP_DEFAULT_LIMIT must be between 1 and CATCHUP_MAX_LIMIT")
	}
	if c.EventLog.AutoVersionRetries < 0 {
		fail("SYNC_AUTO_VERSION_RETRIES cannot be negative")
	}
	if c.EventLog.PublishWorkers <= 0 || c.EventLog.PublishQueueSize <= 0 {
		fail("SYNC_PUBLISH_WORKERS and SYNC_PUBLISH_QUEUE must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		fail("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}
	if c.WebSocket.SendBuffer <= 0 {
		fail("WS_SEND_BUFFER must be positive")
	}
	if c.WebSocket.DedupeWindow <= 0 {
		fail("WS_DEDUPE_WINDOW must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// String is safe to log: credentials in URLs and the JWT secret are hidden.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, EventLog: %s, DB: %s, Bridge: %s(%s), JWT: [REDACTED], RateLimit: %v, Environment: %s, Instance: %s}",
		c.Server.Port,
		c.EventLog.Driver,
		redactURL(c.Database.URL),
		c.Bridge.Driver,
		redactURL(c.Bridge.RedisURL),
		c.RateLimit.Enabled,
		c.App.Environment,
		c.App.InstanceID,
	)
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "[REDACTED]"
	}
	return u.Redacted()
}

// envReader reads typed variables and keeps the parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) text(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func parseEnv[T any](e *envReader, key string, def T, parse func(string) (T, error)) T {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	out, err := parse(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: cannot parse %q", key, v))
		return def
	}
	return out
}

func (e *envReader) integer(key string, def int) int {
	return parseEnv(e, key, def, strconv.Atoi)
}

func (e *envReader) number(key string, def float64) float64 {
	return parseEnv(e, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *envReader) flag(key string, def bool) bool {
	return parseEnv(e, key, def, strconv.ParseBool)
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	return parseEnv(e, key, def, time.ParseDuration)
}

// list splits a comma separated variable, dropping empty entries.
func (e *envReader) list(key string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return []string{}
	}
	out := []string{}
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
