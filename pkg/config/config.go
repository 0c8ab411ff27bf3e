package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// EnvConfigFile names the environment variable that points at the YAML
// overlay file
const EnvConfigFile = "PAUTHZ_CONFIG_FILE"

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Audit         AuditConfig         `yaml:"audit"`
	Invitations   InvitationConfig    `yaml:"invitations"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// StorageConfig selects and tunes the membership store
type StorageConfig struct {
	Type                string        `yaml:"type"`
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs string        `yaml:"postgres_replica_urls"` // comma separated
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`
	RunMigrations       bool          `yaml:"run_migrations"`
}

// CacheConfig configures the property locator cache
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Size          int           `yaml:"size"`
	TTL           time.Duration `yaml:"ttl"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPoolSize int           `yaml:"redis_pool_size"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
}

// AuditConfig configures the audit file mirror and its S3 archive
type AuditConfig struct {
	FilePath string `yaml:"file_path"` // empty disables the file mirror
	Rotate   bool   `yaml:"rotate"`
	MaxSize  int64  `yaml:"max_size"`
	MaxFiles int    `yaml:"max_files"`

	ArchiveSchedule string `yaml:"archive_schedule"`
	S3Bucket        string `yaml:"s3_bucket"` // empty disables archiving
	S3Prefix        string `yaml:"s3_prefix"`
	S3Region        string `yaml:"s3_region"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
	S3UsePathStyle  bool   `yaml:"s3_use_path_style"`
}

// InvitationConfig holds invitation lifetime settings
type InvitationConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// RateLimitConfig limits API requests per acting user. With a Redis URL
// configured the counters are shared across instances.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: StorageConfig{
			Type:                StorageMemory,
			PostgresMaxConns:    20,
			PostgresMinConns:    2,
			PostgresTimeout:     5 * time.Second,
			PostgresMaxLifetime: 30 * time.Minute,
			PostgresMaxIdleTime: 5 * time.Minute,
			RunMigrations:       true,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Size:          10000,
			TTL:           5 * time.Minute,
			RedisPoolSize: 10,
			RedisTTL:      time.Hour,
		},
		Audit: AuditConfig{
			Rotate:          true,
			MaxSize:         100 * 1024 * 1024,
			MaxFiles:        10,
			ArchiveSchedule: "@hourly",
			S3Prefix:        "audit",
			S3Region:        "us-east-1",
		},
		Invitations: InvitationConfig{
			TTL:           7 * 24 * time.Hour,
			SweepSchedule: "@every 15m",
		},
		RateLimit: RateLimitConfig{
			Requests: 600,
			Window:   time.Minute,
			Burst:    50,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "portfolio-authz",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration from the file named by PAUTHZ_CONFIG_FILE
// (if any) and the environment
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(EnvConfigFile))
}

// Load layers defaults, the YAML file at path and PAUTHZ_* environment
// variables, in that order, and validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("PAUTHZ_HOST", s.Host)
	s.Port = getEnv("PAUTHZ_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("PAUTHZ_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("PAUTHZ_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("PAUTHZ_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("PAUTHZ_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("PAUTHZ_HEALTH_PORT", s.HealthPort)

	st := &c.Storage
	st.Type = getEnv("PAUTHZ_STORAGE_TYPE", st.Type)
	st.PostgresURL = getEnv("PAUTHZ_POSTGRES_URL", st.PostgresURL)
	st.PostgresReplicaURLs = getEnv("PAUTHZ_POSTGRES_REPLICA_URLS", st.PostgresReplicaURLs)
	st.PostgresMaxConns = getEnvInt("PAUTHZ_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("PAUTHZ_POSTGRES_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("PAUTHZ_POSTGRES_TIMEOUT", st.PostgresTimeout)
	st.PostgresMaxLifetime = getEnvDuration("PAUTHZ_POSTGRES_MAX_LIFETIME", st.PostgresMaxLifetime)
	st.PostgresMaxIdleTime = getEnvDuration("PAUTHZ_POSTGRES_MAX_IDLE_TIME", st.PostgresMaxIdleTime)
	st.RunMigrations = getEnvBool("PAUTHZ_RUN_MIGRATIONS", st.RunMigrations)

	ca := &c.Cache
	ca.Enabled = getEnvBool("PAUTHZ_CACHE_ENABLED", ca.Enabled)
	ca.Size = getEnvInt("PAUTHZ_CACHE_SIZE", ca.Size)
	ca.TTL = getEnvDuration("PAUTHZ_CACHE_TTL", ca.TTL)
	ca.RedisURL = getEnv("PAUTHZ_REDIS_URL", ca.RedisURL)
	ca.RedisPassword = getEnv("PAUTHZ_REDIS_PASSWORD", ca.RedisPassword)
	ca.RedisDB = getEnvInt("PAUTHZ_REDIS_DB", ca.RedisDB)
	ca.RedisPoolSize = getEnvInt("PAUTHZ_REDIS_POOL_SIZE", ca.RedisPoolSize)
	ca.RedisTTL = getEnvDuration("PAUTHZ_REDIS_TTL", ca.RedisTTL)

	a := &c.Audit
	a.FilePath = getEnv("PAUTHZ_AUDIT_FILE_PATH", a.FilePath)
	a.Rotate = getEnvBool("PAUTHZ_AUDIT_ROTATE", a.Rotate)
	a.MaxSize = getEnvInt64("PAUTHZ_AUDIT_MAX_SIZE", a.MaxSize)
	a.MaxFiles = getEnvInt("PAUTHZ_AUDIT_MAX_FILES", a.MaxFiles)
	a.ArchiveSchedule = getEnv("PAUTHZ_AUDIT_ARCHIVE_SCHEDULE", a.ArchiveSchedule)
	a.S3Bucket = getEnv("PAUTHZ_AUDIT_S3_BUCKET", a.S3Bucket)
	a.S3Prefix = getEnv("PAUTHZ_AUDIT_S3_PREFIX", a.S3Prefix)
	a.S3Region = getEnv("PAUTHZ_AUDIT_S3_REGION", a.S3Region)
	a.S3Endpoint = getEnv("PAUTHZ_AUDIT_S3_ENDPOINT", a.S3Endpoint)
	a.S3AccessKey = getEnv("PAUTHZ_AUDIT_S3_ACCESS_KEY", a.S3AccessKey)
	a.S3SecretKey = getEnv("PAUTHZ_AUDIT_S3_SECRET_KEY", a.S3SecretKey)
	a.S3UsePathStyle = getEnvBool("PAUTHZ_AUDIT_S3_USE_PATH_STYLE", a.S3UsePathStyle)

	c.Invitations.TTL = getEnvDuration("PAUTHZ_INVITATION_TTL", c.Invitations.TTL)
	c.Invitations.SweepSchedule = getEnv("PAUTHZ_INVITATION_SWEEP_SCHEDULE", c.Invitations.SweepSchedule)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("PAUTHZ_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.Requests = getEnvInt("PAUTHZ_RATE_LIMIT_REQUESTS", rl.Requests)
	rl.Window = getEnvDuration("PAUTHZ_RATE_LIMIT_WINDOW", rl.Window)
	rl.Burst = getEnvInt("PAUTHZ_RATE_LIMIT_BURST", rl.Burst)

	o := &c.Observability
	o.LogLevel = getEnv("PAUTHZ_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("PAUTHZ_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("PAUTHZ_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("PAUTHZ_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("PAUTHZ_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("PAUTHZ_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("PAUTHZ_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.Storage.PostgresMaxConns <= 0 {
			return fmt.Errorf("postgres max conns must be positive")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Cache.Enabled {
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive when the cache is enabled")
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache TTL must be positive when the cache is enabled")
		}
	}

	if c.Invitations.TTL <= 0 {
		return fmt.Errorf("invitation TTL must be positive")
	}
	if _, err := cron.ParseStandard(c.Invitations.SweepSchedule); err != nil {
		return fmt.Errorf("invalid invitation sweep schedule %q: %w", c.Invitations.SweepSchedule, err)
	}

	if c.Audit.S3Bucket != "" {
		if c.Audit.FilePath == "" {
			return fmt.Errorf("audit file path is required when S3 archiving is enabled")
		}
		if _, err := cron.ParseStandard(c.Audit.ArchiveSchedule); err != nil {
			return fmt.Errorf("invalid audit archive schedule %q: %w", c.Audit.ArchiveSchedule, err)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("rate limit burst cannot be negative")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Observability.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
