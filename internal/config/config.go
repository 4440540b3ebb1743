// Package config loads and validates the audit service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AUDITCORE_ prefix (e.g.,
// AUDITCORE_DATABASE_HOST overrides database.host in the YAML). A .env file in the
// working directory is loaded first when present so local development can keep
// secrets out of config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "AUDITCORE"

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Audit      AuditConfig      `mapstructure:"audit"`
	RequestLog RequestLogConfig `mapstructure:"request_log"`
	Redaction  RedactionConfig  `mapstructure:"redaction"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
// Driver is "postgres" or "sqlite"; Path is only used by sqlite.
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	Path               string `mapstructure:"path"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the shared Redis connection used by the stream writer and
// the distributed rate limiter. An empty Addr disables both.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logging configuration.
//
// Format is one of "json", "text" (human-readable, colored on a terminal) or
// "minimal". Components maps a component name (the "component" attribute on a
// logger) to a level that overrides Level for that component only.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Format     string            `mapstructure:"format"`
	Output     string            `mapstructure:"output"`
	Components map[string]string `mapstructure:"components"`
}

// AuditConfig holds audit pipeline configuration
type AuditConfig struct {
	// Enabled determines if audit events are recorded at all
	Enabled bool `mapstructure:"enabled"`
	// SyncEventTypes lists event types whose durable append is awaited before
	// the caller continues. All other types are queued.
	SyncEventTypes []string `mapstructure:"sync_event_types"`
	// QueueSize bounds the asynchronous durable dispatch queue
	QueueSize int `mapstructure:"queue_size"`
	// MemberTimeout bounds each fan-out member call
	MemberTimeout time.Duration `mapstructure:"member_timeout"`
	// Writers configures the audit sinks
	Writers []AuditWriterConfig `mapstructure:"writers"`
}

// AuditWriterConfig holds configuration for a single audit writer
type AuditWriterConfig struct {
	// Name identifies the writer in logs and metrics; defaults to Type
	Name string `mapstructure:"name"`
	// Enabled determines if this writer is active
	Enabled bool `mapstructure:"enabled"`
	// Type is the writer type (store, file, log, kafka, redis_stream, webhook)
	Type string `mapstructure:"type"`
	// Durable marks the writer as the durable audit trail. Durable writers are
	// dispatched according to the sync/async policy; the rest are always awaited.
	Durable bool `mapstructure:"durable"`
	// Resilience wraps the writer in a circuit breaker with retries
	Resilience *ResilienceConfig `mapstructure:"resilience"`
	// File configuration
	File *AuditFileConfig `mapstructure:"file"`
	// Kafka configuration
	Kafka *AuditKafkaConfig `mapstructure:"kafka"`
	// RedisStream configuration
	RedisStream *AuditRedisStreamConfig `mapstructure:"redis_stream"`
	// Webhook configuration
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
}

// WriterName returns the configured name or the writer type.
func (w AuditWriterConfig) WriterName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Type
}

// ResilienceConfig holds circuit breaker and retry settings
type ResilienceConfig struct {
	Attempts         uint          `mapstructure:"attempts"`
	Delay            time.Duration `mapstructure:"delay"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// AuditFileConfig holds rolling file writer configuration
type AuditFileConfig struct {
	Dir          string `mapstructure:"dir"`
	BaseName     string `mapstructure:"base_name"`
	MaxSizeBytes int64  `mapstructure:"max_size_bytes"`
	MaxEvents    int    `mapstructure:"max_events"`
	MaxFiles     int    `mapstructure:"max_files"`
	// Archive uploads closed files through the configured archive backend
	Archive bool `mapstructure:"archive"`
}

// AuditKafkaConfig holds Kafka writer configuration
type AuditKafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// AuditRedisStreamConfig holds Redis stream writer configuration
type AuditRedisStreamConfig struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// AuditWebhookConfig holds webhook writer configuration
type AuditWebhookConfig struct {
	// URL is the webhook endpoint
	URL string `mapstructure:"url"`
	// Headers are additional HTTP headers to send
	Headers map[string]string `mapstructure:"headers"`
	// Timeout is the HTTP request timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// BatchSize is how many events to batch before sending (0 = no batching)
	BatchSize int `mapstructure:"batch_size"`
	// FlushInterval is how often to flush batched events
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RequestLogConfig controls the request/response logging middleware
type RequestLogConfig struct {
	// LogBodies enables capture of request and response bodies (default off)
	LogBodies bool `mapstructure:"log_bodies"`
	// MaxBodyBytes caps the captured body snippet
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
	// SkipPaths are never logged (health checks, metrics)
	SkipPaths []string `mapstructure:"skip_paths"`
}

// RedactionConfig extends the built-in redaction policy. Patterns are regular
// expressions; an invalid pattern is a fatal startup error.
type RedactionConfig struct {
	Patterns []string `mapstructure:"patterns"`
	Headers  []string `mapstructure:"headers"`
}

// ArchiveConfig holds the object storage backend that receives rotated audit files
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Azure   AzureStorageConfig `mapstructure:"azure"`
	S3      S3StorageConfig    `mapstructure:"s3"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	// Endpoint overrides the blob service URL (Azurite, sovereign clouds)
	Endpoint string `mapstructure:"endpoint"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default", "service_account"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem archive configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// AuthConfig guards the audit query API. It does not authenticate business traffic.
type AuthConfig struct {
	JWTSecret string         `mapstructure:"jwt_secret"`
	APIKeys   []APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig is one static API key for the query API. Hash is a bcrypt hash
// of the full key; Prefix is the first characters of the key used for lookup.
type APIKeyConfig struct {
	Name   string   `mapstructure:"name"`
	Prefix string   `mapstructure:"prefix"`
	Hash   string   `mapstructure:"hash"`
	Scopes []string `mapstructure:"scopes"`
}

// RateLimitConfig holds query API rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables for nested config structures.
// Slices of structs (audit.writers, auth.api_keys) are file-only.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Database
		"database.driver",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.path",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Audit
		"audit.enabled",
		"audit.sync_event_types",
		"audit.queue_size",
		"audit.member_timeout",

		// Request logging
		"request_log.log_bodies",
		"request_log.max_body_bytes",
		"request_log.skip_paths",

		// Redaction
		"redaction.patterns",
		"redaction.headers",

		// Archive
		"archive.backend",
		"archive.prefix",
		"archive.azure.account_name",
		"archive.azure.account_key",
		"archive.azure.container_name",
		"archive.azure.endpoint",
		"archive.s3.endpoint",
		"archive.s3.region",
		"archive.s3.bucket",
		"archive.s3.auth_method",
		"archive.s3.access_key_id",
		"archive.s3.secret_access_key",
		"archive.s3.role_arn",
		"archive.s3.role_session_name",
		"archive.s3.external_id",
		"archive.s3.web_identity_token_file",
		"archive.gcs.bucket",
		"archive.gcs.project_id",
		"archive.gcs.auth_method",
		"archive.gcs.credentials_file",
		"archive.gcs.credentials_json",
		"archive.gcs.endpoint",
		"archive.local.base_path",

		// Auth
		"auth.jwt_secret",

		// Rate limiting
		"rate_limit.enabled",
		"rate_limit.requests_per_minute",
		"rate_limit.burst",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg, _, err := LoadViper(configPath)
	return cfg, err
}

// LoadViper is Load, but also returns the underlying Viper instance so the
// caller can watch the config file for changes.
func LoadViper(configPath string) (*Config, *viper.Viper, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/auditcore")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv() doesn't work well with Unmarshal() for nested keys
	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Archive.Azure.AccountKey = expandEnv(cfg.Archive.Azure.AccountKey)
	cfg.Archive.S3.AccessKeyID = expandEnv(cfg.Archive.S3.AccessKeyID)
	cfg.Archive.S3.SecretAccessKey = expandEnv(cfg.Archive.S3.SecretAccessKey)
	cfg.Archive.GCS.CredentialsJSON = expandEnv(cfg.Archive.GCS.CredentialsJSON)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "auditcore")
	v.SetDefault("database.user", "auditcore")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.path", "./auditcore.db")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.sync_event_types", []string{"authentication", "authorization", "security", "configuration"})
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.member_timeout", "5s")
	v.SetDefault("audit.writers", []map[string]any{
		{"type": "store", "enabled": true, "durable": true},
		{"type": "log", "enabled": true},
	})

	// Request logging defaults
	v.SetDefault("request_log.log_bodies", false)
	v.SetDefault("request_log.max_body_bytes", 4096)
	v.SetDefault("request_log.skip_paths", []string{"/health", "/ready", "/metrics"})

	// Archive defaults
	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.prefix", "audit")
	v.SetDefault("archive.local.base_path", "./archive")

	// Rate limiting defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "auditcore")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "text": true, "minimal": true}
	validWriters = map[string]bool{"store": true, "file": true, "log": true, "kafka": true, "redis_stream": true, "webhook": true}
	validEvents  = map[string]bool{
		"authentication": true, "authorization": true, "data_access": true,
		"data_modification": true, "configuration": true, "security": true, "system_event": true,
	}
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required when using sqlite")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite)", c.Database.Driver)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	for _, t := range c.Audit.SyncEventTypes {
		if !validEvents[t] {
			return fmt.Errorf("invalid audit.sync_event_types entry: %s", t)
		}
	}
	if c.Audit.QueueSize < 0 {
		return fmt.Errorf("audit.queue_size must not be negative")
	}
	for i, w := range c.Audit.Writers {
		if !w.Enabled {
			continue
		}
		if err := w.validate(c); err != nil {
			return fmt.Errorf("audit.writers[%d]: %w", i, err)
		}
	}

	if c.RequestLog.LogBodies && c.RequestLog.MaxBodyBytes <= 0 {
		return fmt.Errorf("request_log.max_body_bytes must be positive when body logging is enabled")
	}

	if err := c.Archive.validate(); err != nil {
		return err
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}
	return nil
}

// Validate checks the logging level, format and component overrides.
func (l LoggingConfig) Validate() error {
	if !validLevels[l.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", l.Level)
	}
	if !validFormats[l.Format] {
		return fmt.Errorf("invalid logging format: %s (must be json, text, or minimal)", l.Format)
	}
	for component, level := range l.Components {
		if !validLevels[strings.ToLower(level)] {
			return fmt.Errorf("invalid logging level for component %s: %s", component, level)
		}
	}
	return nil
}

func (w AuditWriterConfig) validate(c *Config) error {
	if !validWriters[w.Type] {
		return fmt.Errorf("invalid writer type: %s (must be store, file, log, kafka, redis_stream, or webhook)", w.Type)
	}
	switch w.Type {
	case "file":
		if w.File == nil || w.File.Dir == "" {
			return fmt.Errorf("file.dir is required for file writers")
		}
		if w.File.MaxFiles < 0 {
			return fmt.Errorf("file.max_files must not be negative")
		}
		if w.File.Archive && c.Archive.Backend == "" {
			return fmt.Errorf("file.archive requires archive.backend")
		}
	case "kafka":
		if w.Kafka == nil || len(w.Kafka.Brokers) == 0 || w.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic are required for kafka writers")
		}
	case "redis_stream":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for redis_stream writers")
		}
		if w.RedisStream == nil || w.RedisStream.Stream == "" {
			return fmt.Errorf("redis_stream.stream is required for redis_stream writers")
		}
	case "webhook":
		if w.Webhook == nil || w.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required for webhook writers")
		}
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case "":
		return nil
	case "azure":
		if a.Azure.AccountName == "" || a.Azure.AccountKey == "" || a.Azure.ContainerName == "" {
			return fmt.Errorf("archive.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	case "s3":
		if a.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when using S3 backend")
		}
		if a.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when using S3 backend")
		}
	case "gcs":
		if a.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if a.Local.BasePath == "" {
			return fmt.Errorf("archive.local.base_path is required when using local backend")
		}
	default:
		return fmt.Errorf("invalid archive backend: %s (must be azure, s3, gcs, or local)", a.Backend)
	}
	return nil
}

// GetDSN returns the connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
