package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// ShutdownTimeoutMs bounds how long graceful shutdown waits for
	// in-flight requests and running tasks.
	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms" validate:"gte=0"`
}

// SchedulerConfig contains the task scheduling settings.
type SchedulerConfig struct {
	MaxConcurrent         int `mapstructure:"max_concurrent"           validate:"required,gt=0"`
	MinDispatchIntervalMs int `mapstructure:"min_dispatch_interval_ms" validate:"gte=0"`
	DefaultTimeoutMs      int `mapstructure:"default_timeout_ms"       validate:"gte=0"`
	HistoryCapacity       int `mapstructure:"history_capacity"         validate:"required,gt=0"`
}

// LLMConfig contains the language model integration settings. The API
// key is optional; AI completion tasks are rejected when it is absent.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	Model        string `mapstructure:"model"`
}

// ShutdownTimeout returns the graceful shutdown budget as a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// MinDispatchInterval returns the dispatch rate limit as a duration.
func (c SchedulerConfig) MinDispatchInterval() time.Duration {
	return time.Duration(c.MinDispatchIntervalMs) * time.Millisecond
}

// DefaultTimeout returns the per-task timeout default as a duration.
// Zero means tasks run without a deadline unless one is set per submission.
func (c SchedulerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}
