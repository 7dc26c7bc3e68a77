package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Queue  QueueConfig
	Worker WorkerConfig
	Log    LogConfig
}

// QueueConfig holds queue storage configuration
type QueueConfig struct {
	Dir   string
	Index string
	Sync  bool
}

// WorkerConfig holds worker loop configuration
type WorkerConfig struct {
	Workers        int
	PollInterval   time.Duration
	ProcessTimeout time.Duration
	Watch          bool
	WatchDebounce  time.Duration
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// Index kinds accepted by QueueConfig.Index.
var IndexKinds = []string{"memory", "log", "sqlite"}

// Log formats accepted by LogConfig.Format.
var LogFormats = []string{"json", "text"}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Dir:   getEnv("FSQ_DIR", "./queue"),
			Index: getEnv("FSQ_INDEX", "memory"),
			Sync:  getEnvAsBool("FSQ_SYNC", true),
		},
		Worker: WorkerConfig{
			Workers:        getEnvAsInt("FSQ_WORKERS", 1),
			PollInterval:   getEnvAsDuration("FSQ_POLL_INTERVAL", 1*time.Second),
			ProcessTimeout: getEnvAsDuration("FSQ_PROCESS_TIMEOUT", 3*time.Minute),
			Watch:          getEnvAsBool("FSQ_WATCH", true),
			WatchDebounce:  getEnvAsDuration("FSQ_WATCH_DEBOUNCE", 100*time.Millisecond),
		},
		Log: LogConfig{
			Level:  getEnv("FSQ_LOG_LEVEL", "info"),
			Format: getEnv("FSQ_LOG_FORMAT", "json"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	v := NewValidator().
		Field("FSQ_DIR", c.Queue.Dir, Required).
		Field("FSQ_INDEX", c.Queue.Index, OneOf(IndexKinds...)).
		Field("FSQ_WORKERS", c.Worker.Workers, Positive).
		Field("FSQ_POLL_INTERVAL", c.Worker.PollInterval, Positive).
		Field("FSQ_PROCESS_TIMEOUT", c.Worker.ProcessTimeout, Positive).
		Field("FSQ_LOG_LEVEL", c.Log.Level, OneOf("debug", "info", "warn", "error")).
		Field("FSQ_LOG_FORMAT", c.Log.Format, OneOf(LogFormats...))
	if v.HasErrors() {
		return NewAppError(CodeConfig, v.ErrorMessage(), ErrInvalidInput)
	}
	return nil
}
