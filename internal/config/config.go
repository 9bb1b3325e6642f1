package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Admission AdmissionConfig `mapstructure:"admission" validate:"required"`
	Progress  ProgressConfig  `mapstructure:"progress"  validate:"required"`
	Batcher   BatcherConfig   `mapstructure:"batcher"   validate:"required"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// ServerConfig contains settings for the ops HTTP server and logging.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all shared-store connection settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"            validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

// AdmissionConfig tunes the rate limiter and its circuit breaker.
type AdmissionConfig struct {
	// SyncIntervalMS is how often a local token bucket claims a fresh slice
	// of the per-second allowance from the shared store.
	SyncIntervalMS int `mapstructure:"sync_interval_ms" validate:"required,gt=0"`

	// Headroom scales the local quota so the fleet in aggregate stays under
	// the ceiling even when buckets sync out of phase.
	Headroom float64 `mapstructure:"headroom" validate:"required,gt=0,lte=1"`

	// WorkerProcesses is the number of worker processes sharing the limit;
	// each bucket claims ceiling*interval*headroom/workers tokens per sync.
	WorkerProcesses int `mapstructure:"worker_processes" validate:"required,gt=0"`

	// RateFloor and RateCeiling bound the adaptive global ceiling.
	RateFloor   int `mapstructure:"rate_floor"   validate:"required,gt=0"`
	RateCeiling int `mapstructure:"rate_ceiling" validate:"required,gtefield=RateFloor"`

	// CleanWindowMS is how long first attempts must stay error-free before
	// the breaker doubles the ceiling back up.
	CleanWindowMS int `mapstructure:"clean_window_ms" validate:"required,gt=0"`

	// BreakerDisabled is a kill switch: outcomes are ignored and the ceiling
	// stays wherever it was last set.
	BreakerDisabled bool `mapstructure:"breaker_disabled"`
}

// ProgressConfig tunes the buffered progress ledger.
type ProgressConfig struct {
	FlushSize  int `mapstructure:"flush_size"   validate:"required,gt=0"`
	FlushAgeMS int `mapstructure:"flush_age_ms" validate:"required,gt=0"`
}

// BatcherConfig tunes the write batcher.
type BatcherConfig struct {
	MaxBatch         int `mapstructure:"max_batch"          validate:"required,gt=0"`
	MaxWaitMS        int `mapstructure:"max_wait_ms"        validate:"required,gt=0"`
	ChunkSize        int `mapstructure:"chunk_size"         validate:"required,gt=0"`
	CommitIntervalMS int `mapstructure:"commit_interval_ms" validate:"required,gt=0"`
}

// LifecycleConfig tunes task retry behavior.
type LifecycleConfig struct {
	MaxRetries int    `mapstructure:"max_retries" validate:"required,gt=0"`
	QueueName  string `mapstructure:"queue_name"  validate:"required"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	ModelName    string `mapstructure:"model_name"`
	RateLimitKey string `mapstructure:"rate_limit_key"`
	LimitPerSec  int    `mapstructure:"limit_per_sec" validate:"gte=0"`
}
