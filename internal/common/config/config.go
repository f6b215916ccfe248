// Package config provides configuration management for CC-Executor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for CC-Executor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Executor ExecutorConfig `mapstructure:"executor"`
	NATS     NATSConfig     `mapstructure:"nats"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds WebSocket server and health sidecar configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	HealthPort   int    `mapstructure:"healthPort"`   // 0 disables the HTTP sidecar
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ExecutorConfig holds execution limits and subprocess control settings.
type ExecutorConfig struct {
	// MaxSessions is the hard cap on concurrent WebSocket sessions.
	MaxSessions int `mapstructure:"maxSessions"`

	// SessionTimeout is the max wall-clock per execution, in seconds.
	SessionTimeout int `mapstructure:"sessionTimeout"`

	// StreamTimeout is the max duration without stdout/stderr progress
	// before the execution is terminated, in seconds.
	StreamTimeout int `mapstructure:"streamTimeout"`

	// MaxBufferBytes caps total output bytes relayed per execution.
	MaxBufferBytes int64 `mapstructure:"maxBufferBytes"`

	// MaxBufferLines caps total output lines relayed per execution.
	MaxBufferLines int `mapstructure:"maxBufferLines"`

	// MaxLineBytes is the per-line truncation threshold.
	MaxLineBytes int `mapstructure:"maxLineBytes"`

	// HeartbeatInterval is the idle period before a heartbeat notification,
	// in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// GracePeriod is the wait between graceful terminate and kill, in seconds.
	GracePeriod int `mapstructure:"gracePeriod"`

	// QueuePutTimeoutMs bounds how long the stream reader waits for a slot
	// in the relay queue before dropping a chunk, in milliseconds.
	QueuePutTimeoutMs int `mapstructure:"queuePutTimeoutMs"`

	// AllowedCommands restricts the leading token of executed commands.
	// Empty list permits all commands.
	AllowedCommands []string `mapstructure:"allowedCommands"`

	// TokenLimitPatterns are substrings that, when seen on stdout, trigger
	// an error.token_limit_exceeded notification.
	TokenLimitPatterns []string `mapstructure:"tokenLimitPatterns"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL means use the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds execution history store configuration.
type HistoryConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or memory
	Path   string `mapstructure:"path"`
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

// SessionTimeoutDuration returns the per-execution wall-clock timeout.
func (e *ExecutorConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(e.SessionTimeout) * time.Second
}

// StreamTimeoutDuration returns the stream-progress timeout.
func (e *ExecutorConfig) StreamTimeoutDuration() time.Duration {
	return time.Duration(e.StreamTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval.
func (e *ExecutorConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(e.HeartbeatInterval) * time.Second
}

// GracePeriodDuration returns the terminate-to-kill grace period.
func (e *ExecutorConfig) GracePeriodDuration() time.Duration {
	return time.Duration(e.GracePeriod) * time.Second
}

// QueuePutTimeoutDuration returns the bounded queue-put wait.
func (e *ExecutorConfig) QueuePutTimeoutDuration() time.Duration {
	return time.Duration(e.QueuePutTimeoutMs) * time.Millisecond
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
	if env := os.Getenv("CCEXEC_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8003)
	v.SetDefault("server.healthPort", 8004)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Executor defaults
	v.SetDefault("executor.maxSessions", 100)
	v.SetDefault("executor.sessionTimeout", 3600)
	v.SetDefault("executor.streamTimeout", 600)
	v.SetDefault("executor.maxBufferBytes", 1024*1024)
	v.SetDefault("executor.maxBufferLines", 10000)
	v.SetDefault("executor.maxLineBytes", 8192)
	v.SetDefault("executor.heartbeatInterval", 20)
	v.SetDefault("executor.gracePeriod", 10)
	v.SetDefault("executor.queuePutTimeoutMs", 100)
	v.SetDefault("executor.allowedCommands", []string{})
	v.SetDefault("executor.tokenLimitPatterns", []string{
		"output token maximum",
		"exceeded the output token",
		"max_tokens",
	})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cc-executor")
	v.SetDefault("nats.maxReconnects", 10)

	// History defaults
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.path", "./cc-executor.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CCEXEC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/cc-executor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CCEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("executor.maxSessions", "CCEXEC_MAX_SESSIONS")
	_ = v.BindEnv("executor.sessionTimeout", "CCEXEC_SESSION_TIMEOUT")
	_ = v.BindEnv("executor.streamTimeout", "CCEXEC_STREAM_TIMEOUT")
	_ = v.BindEnv("executor.maxBufferBytes", "CCEXEC_MAX_BUFFER_BYTES")
	_ = v.BindEnv("executor.maxBufferLines", "CCEXEC_MAX_BUFFER_LINES")
	_ = v.BindEnv("executor.maxLineBytes", "CCEXEC_MAX_LINE_BYTES")
	_ = v.BindEnv("executor.heartbeatInterval", "CCEXEC_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("executor.gracePeriod", "CCEXEC_GRACE_PERIOD")
	_ = v.BindEnv("logging.level", "CCEXEC_LOG_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cc-executor/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.HealthPort < 0 || cfg.Server.HealthPort > 65535 {
		errs = append(errs, "server.healthPort must be between 0 and 65535")
	}

	if cfg.Executor.MaxSessions <= 0 {
		errs = append(errs, "executor.maxSessions must be positive")
	}
	if cfg.Executor.SessionTimeout <= 0 {
		errs = append(errs, "executor.sessionTimeout must be positive")
	}
	if cfg.Executor.MaxBufferBytes <= 0 {
		errs = append(errs, "executor.maxBufferBytes must be positive")
	}
	if cfg.Executor.MaxBufferLines <= 0 {
		errs = append(errs, "executor.maxBufferLines must be positive")
	}
	if cfg.Executor.MaxLineBytes <= 0 {
		errs = append(errs, "executor.maxLineBytes must be positive")
	}
	if cfg.Executor.GracePeriod <= 0 {
		errs = append(errs, "executor.gracePeriod must be positive")
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[strings.ToLower(cfg.History.Driver)] {
		errs = append(errs, "history.driver must be one of: sqlite, memory")
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
