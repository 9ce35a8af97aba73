// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Run       RunConfig       `mapstructure:"run"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for session workers.
type DockerConfig struct {
	// Enabled controls whether the Docker runtime is available for session workers.
	// When false, worker activation returns an error.
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	WorkerImage    string `mapstructure:"workerImage"`
}

// ExecutorConfig holds the HTTP client configuration for the workspace executor.
type ExecutorConfig struct {
	BaseURL          string `mapstructure:"baseUrl"`
	AuthToken        string `mapstructure:"authToken"`
	TimeoutMs        int64  `mapstructure:"timeoutMs"`
	MaxRetries       int    `mapstructure:"maxRetries"`
	RetryDelayMs     int64  `mapstructure:"retryDelayMs"`
	RetryStatusCodes string `mapstructure:"retryStatusCodes"` // comma-separated, e.g. "500,502,503,504"
}

// QueueConfig holds run queue configuration.
type QueueConfig struct {
	Owner        string `mapstructure:"owner"`
	LockMs       int64  `mapstructure:"lockMs"`
	RetryDelayMs int64  `mapstructure:"retryDelayMs"`
	MaxAttempts  int    `mapstructure:"maxAttempts"`
	DrainLimit   int    `mapstructure:"drainLimit"`
	// DrainIntervalMs enables the background drain loop when positive.
	DrainIntervalMs int64 `mapstructure:"drainIntervalMs"`
}

// RunConfig holds orchestrator behavior knobs.
type RunConfig struct {
	// HumanLoopTimeout bounds how long a run may sit in waiting_human.
	// Zero disables the timeout.
	HumanLoopTimeoutMs int64 `mapstructure:"humanLoopTimeoutMs"`
	// CancelOnClientClose cancels the run when its SSE client disconnects.
	CancelOnClientClose bool `mapstructure:"cancelOnClientClose"`
}

// StreamConfig holds event stream configuration.
type StreamConfig struct {
	// Capacity bounds the per-stream replay history.
	Capacity int `mapstructure:"capacity"`
	// HeartbeatMs is the SSE heartbeat interval.
	HeartbeatMs int64 `mapstructure:"heartbeatMs"`
}

// WorkerConfig holds session worker lifecycle configuration.
type WorkerConfig struct {
	IdleTimeoutMs int64 `mapstructure:"idleTimeoutMs"`
	RemoveAfterMs int64 `mapstructure:"removeAfterMs"`
	CleanupMs     int64 `mapstructure:"cleanupMs"`
	SyncTimeoutMs int64 `mapstructure:"syncTimeoutMs"`
}

// ReconcileConfig holds background reconciliation configuration.
type ReconcileConfig struct {
	IntervalMs    int64 `mapstructure:"intervalMs"`
	StaleSyncMs   int64 `mapstructure:"staleSyncMs"`
	StaleClaimMs  int64 `mapstructure:"staleClaimMs"`
	BatchLimit    int   `mapstructure:"batchLimit"`
	EnableOnStart bool  `mapstructure:"enableOnStart"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the executor request timeout as a time.Duration.
func (e *ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the executor retry delay as a time.Duration.
func (e *ExecutorConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelayMs) * time.Millisecond
}

// RetryCodes parses RetryStatusCodes into a set of HTTP status codes.
func (e *ExecutorConfig) RetryCodes() map[int]bool {
	codes := map[int]bool{}
	for _, part := range strings.Split(e.RetryStatusCodes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var code int
		if _, err := fmt.Sscanf(part, "%d", &code); err == nil && code >= 100 && code <= 599 {
			codes[code] = true
		}
	}
	return codes
}

// LockDuration returns the queue lock duration as a time.Duration.
func (q *QueueConfig) LockDuration() time.Duration {
	return time.Duration(q.LockMs) * time.Millisecond
}

// RetryDelay returns the queue retry delay as a time.Duration.
func (q *QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RUNPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults - in-memory unless postgres is requested
	v.SetDefault("storage.backend", "memory")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "runplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "runplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "runplane-network")
	v.SetDefault("docker.workerImage", "runplane/session-worker:latest")

	// Executor defaults
	v.SetDefault("executor.baseUrl", "")
	v.SetDefault("executor.authToken", "")
	v.SetDefault("executor.timeoutMs", 30000)
	v.SetDefault("executor.maxRetries", 2)
	v.SetDefault("executor.retryDelayMs", 250)
	v.SetDefault("executor.retryStatusCodes", "500,502,503,504")

	// Queue defaults
	v.SetDefault("queue.owner", defaultQueueOwner())
	v.SetDefault("queue.lockMs", 60000)
	v.SetDefault("queue.retryDelayMs", 5000)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.drainLimit", 10)
	v.SetDefault("queue.drainIntervalMs", 0)

	// Run defaults - 24h human loop timeout, keep running on client disconnect
	v.SetDefault("run.humanLoopTimeoutMs", 24*60*60*1000)
	v.SetDefault("run.cancelOnClientClose", false)

	// Stream defaults
	v.SetDefault("stream.capacity", 2000)
	v.SetDefault("stream.heartbeatMs", 15000)

	// Worker defaults
	v.SetDefault("worker.idleTimeoutMs", 30*60*1000)
	v.SetDefault("worker.removeAfterMs", 24*60*60*1000)
	v.SetDefault("worker.cleanupMs", 60*1000)
	v.SetDefault("worker.syncTimeoutMs", 120*1000)

	// Reconcile defaults
	v.SetDefault("reconcile.intervalMs", 30*1000)
	v.SetDefault("reconcile.staleSyncMs", 10*60*1000)
	v.SetDefault("reconcile.staleClaimMs", 0) // 0 means lock expiry drives recovery
	v.SetDefault("reconcile.batchLimit", 50)
	v.SetDefault("reconcile.enableOnStart", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultQueueOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "runplane"
	}
	return host
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the deployment contract. These env vars predate the
	// RUNPLANE_ prefix and AutomaticEnv cannot map camelCase config keys to
	// SNAKE_CASE names, so each one is bound by hand.
	_ = v.BindEnv("server.port", "PORT", "RUNPLANE_SERVER_PORT")
	_ = v.BindEnv("storage.backend", "CONTROL_PLANE_STORAGE", "RUNPLANE_STORAGE_BACKEND")
	_ = v.BindEnv("executor.baseUrl", "EXECUTOR_BASE_URL", "RUNPLANE_EXECUTOR_BASE_URL")
	_ = v.BindEnv("executor.authToken", "EXECUTOR_AUTH_TOKEN", "RUNPLANE_EXECUTOR_AUTH_TOKEN")
	_ = v.BindEnv("executor.timeoutMs", "EXECUTOR_TIMEOUT_MS", "RUNPLANE_EXECUTOR_TIMEOUT_MS")
	_ = v.BindEnv("executor.maxRetries", "EXECUTOR_MAX_RETRIES", "RUNPLANE_EXECUTOR_MAX_RETRIES")
	_ = v.BindEnv("executor.retryDelayMs", "EXECUTOR_RETRY_DELAY_MS", "RUNPLANE_EXECUTOR_RETRY_DELAY_MS")
	_ = v.BindEnv("executor.retryStatusCodes", "EXECUTOR_RETRY_STATUS_CODES", "RUNPLANE_EXECUTOR_RETRY_STATUS_CODES")
	_ = v.BindEnv("queue.owner", "RUN_QUEUE_OWNER", "RUNPLANE_QUEUE_OWNER")
	_ = v.BindEnv("queue.lockMs", "RUN_QUEUE_LOCK_MS", "RUNPLANE_QUEUE_LOCK_MS")
	_ = v.BindEnv("queue.retryDelayMs", "RUN_QUEUE_RETRY_DELAY_MS", "RUNPLANE_QUEUE_RETRY_DELAY_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runplane/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Storage validation
	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory", "postgres":
	default:
		errs = append(errs, "storage.backend must be one of: memory, postgres")
	}

	// Database validation - only when the postgres backend is selected
	if strings.ToLower(cfg.Storage.Backend) == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when storage.backend is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when storage.backend is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when storage.backend is postgres")
		}
	}

	// Executor validation - only bounds, base URL is optional in memory mode
	if cfg.Executor.TimeoutMs <= 0 {
		errs = append(errs, "executor.timeoutMs must be positive")
	}
	if cfg.Executor.MaxRetries < 0 {
		errs = append(errs, "executor.maxRetries must be non-negative")
	}

	// Queue validation
	if cfg.Queue.LockMs <= 0 {
		errs = append(errs, "queue.lockMs must be positive")
	}
	if cfg.Queue.RetryDelayMs < 0 {
		errs = append(errs, "queue.retryDelayMs must be non-negative")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.maxAttempts must be positive")
	}

	// Stream validation
	if cfg.Stream.Capacity <= 0 {
		errs = append(errs, "stream.capacity must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
