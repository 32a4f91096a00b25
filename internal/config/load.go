package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. PARSEDISPATCH_DISPATCH_MAX_ATTEMPTS.
const EnvPrefix = "PARSEDISPATCH"

// defaults lists every recognised key. Registering each key is what lets
// viper resolve nested values from the environment during Unmarshal.
var defaults = map[string]any{
	"server.port":                 8080,
	"server.log_level":            "info",
	"server.cors_allowed_origins": []string{},
	"server.shutdown_timeout":     15 * time.Second,

	"database.driver": "postgres",
	"database.url":    "",

	"auth.jwt_secret":      "",
	"auth.callback_secret": "",
	"auth.token_lifetime":  time.Hour,

	"dispatch.max_per_user_concurrent": 2,
	"dispatch.max_global_concurrent":   8,
	"dispatch.task_timeout":            30 * time.Minute,
	"dispatch.retry_base_delay":        2 * time.Second,
	"dispatch.retry_max_delay":         5 * time.Minute,
	"dispatch.max_attempts":            3,
	"dispatch.poll_interval":           10 * time.Second,
	"dispatch.worker_count":            4,
	"dispatch.scan_interval":           time.Second,
	"dispatch.scan_batch_size":         100,
	"dispatch.reconcile_workers":       4,
	"dispatch.ledger_rebuild_interval": time.Minute,
	"dispatch.stuck_admitted_age":      10 * time.Minute,
	"dispatch.max_schedule_delay":      7 * 24 * time.Hour,

	"engine.mode":                  "http",
	"engine.base_url":              "",
	"engine.api_key":               "",
	"engine.call_timeout":          30 * time.Second,
	"engine.idempotency_supported": true,

	"retention.terminal_task_age": 30 * 24 * time.Hour,
}

// Load reads configuration from environment variables and, when present,
// a config.yaml in the working directory.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from the given file (if path is non-empty)
// and environment variables. Environment variables take precedence over
// values from the file. The result is validated before it is returned.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
