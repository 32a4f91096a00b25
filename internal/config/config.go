package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" validate:"required"`
	Engine    EngineConfig    `mapstructure:"engine" validate:"required"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port               int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel           string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the task store backend.
type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	// URL is a postgres connection string or a sqlite file path.
	URL string `mapstructure:"url" validate:"required_unless=Driver memory"`
}

// AuthConfig contains authentication settings for the caller-facing API.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// TokenLifetime bounds tokens minted by the token command.
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
	// CallbackSecret authenticates engine push notifications. Callbacks are
	// rejected when it is empty.
	CallbackSecret string `mapstructure:"callback_secret"`
}

// DispatchConfig governs admission, submission, retry and reconciliation.
type DispatchConfig struct {
	MaxPerUserConcurrent  int           `mapstructure:"max_per_user_concurrent" validate:"gt=0"`
	MaxGlobalConcurrent   int           `mapstructure:"max_global_concurrent" validate:"gt=0,gtefield=MaxPerUserConcurrent"`
	TaskTimeout           time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay         time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	MaxAttempts           int           `mapstructure:"max_attempts" validate:"gt=0"`
	PollInterval          time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	WorkerCount           int           `mapstructure:"worker_count" validate:"gt=0"`
	ScanInterval          time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	ScanBatchSize         int           `mapstructure:"scan_batch_size" validate:"gt=0"`
	ReconcileWorkers      int           `mapstructure:"reconcile_workers" validate:"gt=0"`
	LedgerRebuildInterval time.Duration `mapstructure:"ledger_rebuild_interval" validate:"gt=0"`
	StuckAdmittedAge      time.Duration `mapstructure:"stuck_admitted_age" validate:"gt=0"`
	MaxScheduleDelay      time.Duration `mapstructure:"max_schedule_delay" validate:"gte=0"`
}

// EngineConfig describes how to reach the external parsing engine.
type EngineConfig struct {
	// Mode is http for a real engine or mock for an in-process simulator.
	Mode         string        `mapstructure:"mode" validate:"required,oneof=http mock"`
	BaseURL      string        `mapstructure:"base_url" validate:"required_if=Mode http"`
	APIKey       string        `mapstructure:"api_key"`
	CallTimeout  time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	// IdempotencySupported is false when the engine ignores Idempotency-Key.
	// The client then looks up an existing job by task id before submitting.
	IdempotencySupported bool `mapstructure:"idempotency_supported"`
}

// RetentionConfig controls the purge of old terminal tasks.
type RetentionConfig struct {
	TerminalTaskAge time.Duration `mapstructure:"terminal_task_age" validate:"gte=0"`
}
