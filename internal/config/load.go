package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables (prefix DISPATCH_, dots replaced by
// underscores) take precedence over values from the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("dispatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatch")

	v.SetEnvPrefix("DISPATCH")
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

	// Keys must exist for AutomaticEnv to surface them through Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("admission.sync_interval_ms", 100)
	v.SetDefault("admission.headroom", 0.8)
	v.SetDefault("admission.worker_processes", 1)
	v.SetDefault("admission.rate_floor", 1)
	v.SetDefault("admission.rate_ceiling", 450)
	v.SetDefault("admission.clean_window_ms", 5000)
	v.SetDefault("admission.breaker_disabled", false)

	v.SetDefault("progress.flush_size", 20)
	v.SetDefault("progress.flush_age_ms", 500)

	v.SetDefault("batcher.max_batch", 500)
	v.SetDefault("batcher.max_wait_ms", 100)
	v.SetDefault("batcher.chunk_size", 30)
	v.SetDefault("batcher.commit_interval_ms", 30)

	v.SetDefault("lifecycle.max_retries", 120)
	v.SetDefault("lifecycle.queue_name", "analysis")

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.rate_limit_key", "llm:gemini")
	v.SetDefault("llm.limit_per_sec", 450)
}
