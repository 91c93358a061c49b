package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the fully merged, typed configuration handed to the runtime.
type Resolved struct {
	ConfigPath string

	CredentialsFile  string
	Scopes           []string
	WatchCredentials bool

	BaseURL        string
	UploadBaseURL  string
	UserAgent      string
	RequestTimeout time.Duration

	// MinRefreshInterval is negative when spacing is disabled.
	MinRefreshInterval time.Duration
	// TokenCacheDir is empty when tokens are not persisted.
	TokenCacheDir string

	MaxBatchOperations int

	ChunkSize      int64
	BandwidthLimit int64
	SessionDB      string

	PollInterval       time.Duration
	PollTimeout        time.Duration
	PollInitialBackoff time.Duration
	WatchInterval      time.Duration

	MaxConcurrency int
	MaxRetries     int
	RetryBackoff   time.Duration

	LogLevel  string
	LogFormat string

	MetricsAddr string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal and reported with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyOverride(&cfg.Credentials.File, env.CredentialsFile)
	applyOverride(&cfg.Credentials.File, cli.CredentialsFile)
	applyOverride(&cfg.API.BaseURL, env.BaseURL)
	applyOverride(&cfg.API.BaseURL, cli.BaseURL)
	applyOverride(&cfg.Logging.LogLevel, cli.LogLevel)

	// Overrides can introduce invalid values the file check never saw.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	resolved.ConfigPath = cfgPath

	return resolved, nil
}

func applyOverride(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// resolve converts a validated Config into typed values. Parse errors here
// mean Validate was bypassed.
func resolve(cfg *Config) (*Resolved, error) {
	var errs []error

	duration := func(field, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}

		return d
	}

	r := &Resolved{
		CredentialsFile:    expandHome(cfg.Credentials.File),
		Scopes:             cfg.Credentials.Scopes,
		WatchCredentials:   cfg.Credentials.Watch,
		BaseURL:            cfg.API.BaseURL,
		UploadBaseURL:      cfg.API.UploadBaseURL,
		UserAgent:          cfg.API.UserAgent,
		RequestTimeout:     duration("api.request_timeout", cfg.API.RequestTimeout),
		MinRefreshInterval: duration("token.min_refresh_interval", cfg.Token.MinRefreshInterval),
		MaxBatchOperations: cfg.Batch.MaxOperations,
		PollInterval:       duration("poll.interval", cfg.Poll.Interval),
		PollTimeout:        duration("poll.timeout", cfg.Poll.Timeout),
		PollInitialBackoff: duration("poll.initial_backoff", cfg.Poll.InitialBackoff),
		WatchInterval:      duration("poll.watch_interval", cfg.Poll.WatchInterval),
		MaxConcurrency:     cfg.Workers.MaxConcurrency,
		MaxRetries:         cfg.Workers.MaxRetries,
		RetryBackoff:       duration("workers.retry_backoff", cfg.Workers.RetryBackoff),
		LogLevel:           cfg.Logging.LogLevel,
		LogFormat:          cfg.Logging.LogFormat,
		MetricsAddr:        cfg.Metrics.ListenAddr,
	}

	if r.MinRefreshInterval == 0 {
		r.MinRefreshInterval = -1
	}

	if cfg.Token.Persist {
		r.TokenCacheDir = expandHome(cfg.Token.CacheDir)
		if r.TokenCacheDir == "" {
			if dir := DefaultCacheDir(); dir != "" {
				r.TokenCacheDir = filepath.Join(dir, tokenDirName)
			}
		}
	}

	r.SessionDB = expandHome(cfg.Upload.SessionDB)
	if r.SessionDB == "" {
		if dir := DefaultDataDir(); dir != "" {
			r.SessionDB = filepath.Join(dir, sessionDBName)
		}
	}

	var err error

	if r.ChunkSize, err = ParseSize(cfg.Upload.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("upload.chunk_size: %w", err))
	}

	if r.BandwidthLimit, err = ParseBandwidth(cfg.Upload.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.bandwidth_limit: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}
