package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Bridge   BridgeConfig   `mapstructure:"bridge" validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig selects the queue backend. When Addr is empty the in-memory
// queue is used, which is the default for development.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// QueueConfig tunes job processing.
type QueueConfig struct {
	Concurrency       int           `mapstructure:"concurrency" validate:"required,gt=0,lte=64"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"required,gt=0"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"required,gt=0"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" validate:"required,gt=0"`
	CompletedRetained int           `mapstructure:"completed_retained" validate:"gte=0"`
	FailedRetained    int           `mapstructure:"failed_retained" validate:"gte=0"`
}

// BridgeConfig describes how external worker processes are launched.
type BridgeConfig struct {
	Executable     string        `mapstructure:"executable" validate:"required"`
	Script         string        `mapstructure:"script" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
	GraceWindow    time.Duration `mapstructure:"grace_window" validate:"required,gt=0"`
	DependencyPath string        `mapstructure:"dependency_path"`
}
