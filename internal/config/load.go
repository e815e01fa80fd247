package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config
// file. Environment variables take precedence over values from config
// files. Returns a populated Config struct or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Registering every key, even with an empty default, lets AutomaticEnv
	// surface it during Unmarshal.
	v.SetDefault("database.url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("queue.completed_retained", 100)
	v.SetDefault("queue.failed_retained", 500)

	v.SetDefault("bridge.executable", "python3")
	v.SetDefault("bridge.script", "worker/agent_worker.py")
	v.SetDefault("bridge.timeout", 30*time.Minute)
	v.SetDefault("bridge.grace_window", 5*time.Second)
	v.SetDefault("bridge.dependency_path", "")
}
