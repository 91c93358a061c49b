package config

// Default values for configuration options. These are layer 0 of the
// override chain.
const (
	defaultScope              = "https://www.googleapis.com/auth/cloud-platform"
	defaultBaseURL            = "https://storage.googleapis.com/storage/v1"
	defaultUploadBaseURL      = "https://storage.googleapis.com/upload/storage/v1"
	defaultUserAgent          = "cloudlink/0.1"
	defaultRequestTimeout     = "60s"
	defaultMinRefreshInterval = "1s"
	defaultMaxOperations      = 100
	defaultChunkSize          = "8MiB"
	defaultBandwidthLimit     = "0"
	defaultPollInterval       = "5s"
	defaultPollTimeout        = "10m"
	defaultInitialBackoff     = "250ms"
	defaultWatchInterval      = "30s"
	defaultMaxConcurrency     = 8
	defaultMaxRetries         = 3
	defaultRetryBackoff       = "1s"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Credentials: CredentialsConfig{
			Scopes: []string{defaultScope},
		},
		API: APIConfig{
			BaseURL:        defaultBaseURL,
			UploadBaseURL:  defaultUploadBaseURL,
			UserAgent:      defaultUserAgent,
			RequestTimeout: defaultRequestTimeout,
		},
		Token: TokenConfig{
			MinRefreshInterval: defaultMinRefreshInterval,
			Persist:            true,
		},
		Batch: BatchConfig{
			MaxOperations: defaultMaxOperations,
		},
		Upload: UploadConfig{
			ChunkSize:      defaultChunkSize,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Poll: PollConfig{
			Interval:       defaultPollInterval,
			Timeout:        defaultPollTimeout,
			InitialBackoff: defaultInitialBackoff,
			WatchInterval:  defaultWatchInterval,
		},
		Workers: WorkersConfig{
			MaxConcurrency: defaultMaxConcurrency,
			MaxRetries:     defaultMaxRetries,
			RetryBackoff:   defaultRetryBackoff,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
