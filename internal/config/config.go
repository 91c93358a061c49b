// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cloudlink. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Durations and sizes stay as strings here; Resolve turns them into typed
// values once the override chain has been applied.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	API         APIConfig         `toml:"api"`
	Token       TokenConfig       `toml:"token"`
	Batch       BatchConfig       `toml:"batch"`
	Upload      UploadConfig      `toml:"upload"`
	Poll        PollConfig        `toml:"poll"`
	Workers     WorkersConfig     `toml:"workers"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// CredentialsConfig locates the service-account bundle and the scopes
// requested for it.
type CredentialsConfig struct {
	File   string   `toml:"file"`
	Scopes []string `toml:"scopes"`
	Watch  bool     `toml:"watch"`
}

// APIConfig describes the REST endpoints.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	UploadBaseURL  string `toml:"upload_base_url"`
	UserAgent      string `toml:"user_agent"`
	RequestTimeout string `toml:"request_timeout"`
}

// TokenConfig controls access-token refresh and on-disk caching.
// A min_refresh_interval of "0" disables refresh spacing.
type TokenConfig struct {
	MinRefreshInterval string `toml:"min_refresh_interval"`
	CacheDir           string `toml:"cache_dir"`
	Persist            bool   `toml:"persist"`
}

// BatchConfig bounds the number of operations per multipart submission.
type BatchConfig struct {
	MaxOperations int `toml:"max_operations"`
}

// UploadConfig controls resumable uploads. chunk_size must be a multiple of
// 256 KiB, which resumable session endpoints require for non-final chunks.
type UploadConfig struct {
	ChunkSize      string `toml:"chunk_size"`
	BandwidthLimit string `toml:"bandwidth_limit"`
	SessionDB      string `toml:"session_db"`
}

// PollConfig controls operation polling and resource watching.
type PollConfig struct {
	Interval       string `toml:"interval"`
	Timeout        string `toml:"timeout"`
	InitialBackoff string `toml:"initial_backoff"`
	WatchInterval  string `toml:"watch_interval"`
}

// WorkersConfig controls the bounded-concurrency executor.
type WorkersConfig struct {
	MaxConcurrency int    `toml:"max_concurrency"`
	MaxRetries     int    `toml:"max_retries"`
	RetryBackoff   string `toml:"retry_backoff"`
}

// LoggingConfig controls log verbosity and output format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty listen_addr
// disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// CLIOverrides holds values from command-line flags. Empty strings mean
// "not specified" so the lower layers win.
type CLIOverrides struct {
	ConfigPath      string
	CredentialsFile string
	BaseURL         string
	LogLevel        string
}
