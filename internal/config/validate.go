package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minBatchOperations = 1
	maxBatchOperations = 1000
	chunkAlignBytes    = 256 * kibibyte
	maxChunkBytes      = 512 * mebibyte
	minConcurrency     = 1
	maxConcurrency     = 256
	maxRetries         = 20
	minRequestTimeout  = time.Second
)

// Validate checks all configuration values and returns every error found,
// so a broken file can be fixed in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateCredentials(&cfg.Credentials)...)
	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateToken(&cfg.Token)...)
	errs = append(errs, validateBatch(&cfg.Batch)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validatePoll(&cfg.Poll)...)
	errs = append(errs, validateWorkers(&cfg.Workers)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	return errors.Join(errs...)
}

func validateCredentials(c *CredentialsConfig) []error {
	if len(c.Scopes) == 0 {
		return []error{errors.New("credentials.scopes: at least one scope is required")}
	}

	var errs []error

	for i, s := range c.Scopes {
		if s == "" {
			errs = append(errs, fmt.Errorf("credentials.scopes[%d]: must not be empty", i))
		}
	}

	return errs
}

func validateAPI(a *APIConfig) []error {
	var errs []error

	errs = append(errs, validateEndpoint("api.base_url", a.BaseURL)...)

	if a.UploadBaseURL != "" {
		errs = append(errs, validateEndpoint("api.upload_base_url", a.UploadBaseURL)...)
	}

	if a.UserAgent == "" {
		errs = append(errs, errors.New("api.user_agent: must not be empty"))
	}

	errs = append(errs, validateDurationMin("api.request_timeout", a.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateEndpoint(field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", field, raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: missing host in %q", field, raw)}
	}

	return nil
}

func validateToken(t *TokenConfig) []error {
	return validateDurationNonNeg("token.min_refresh_interval", t.MinRefreshInterval)
}

func validateBatch(b *BatchConfig) []error {
	if b.MaxOperations < minBatchOperations || b.MaxOperations > maxBatchOperations {
		return []error{fmt.Errorf("batch.max_operations: must be between %d and %d, got %d",
			minBatchOperations, maxBatchOperations, b.MaxOperations)}
	}

	return nil
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	errs = append(errs, validateChunkSize(u.ChunkSize)...)

	if _, err := ParseBandwidth(u.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.bandwidth_limit: %w", err))
	}

	return errs
}

func validateChunkSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("upload.chunk_size: %w", err)}
	}

	if bytes < chunkAlignBytes || bytes > maxChunkBytes {
		return []error{fmt.Errorf("upload.chunk_size: must be between 256KiB and 512MiB, got %s", s)}
	}

	if bytes%chunkAlignBytes != 0 {
		return []error{fmt.Errorf(
			"upload.chunk_size: must be a multiple of 256 KiB (%d bytes), got %s (%d bytes)",
			chunkAlignBytes, s, bytes)}
	}

	return nil
}

func validatePoll(p *PollConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("poll.interval", p.Interval, time.Millisecond)...)
	errs = append(errs, validateDurationMin("poll.timeout", p.Timeout, time.Millisecond)...)
	errs = append(errs, validateDurationMin("poll.initial_backoff", p.InitialBackoff, time.Millisecond)...)
	errs = append(errs, validateDurationMin("poll.watch_interval", p.WatchInterval, time.Millisecond)...)

	return errs
}

func validateWorkers(w *WorkersConfig) []error {
	var errs []error

	if w.MaxConcurrency < minConcurrency || w.MaxConcurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("workers.max_concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, w.MaxConcurrency))
	}

	if w.MaxRetries < 0 || w.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf("workers.max_retries: must be between 0 and %d, got %d",
			maxRetries, w.MaxRetries))
	}

	errs = append(errs, validateDurationMin("workers.retry_backoff", w.RetryBackoff, time.Millisecond)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateMetrics(m *MetricsConfig) []error {
	if m.ListenAddr == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return []error{fmt.Errorf("metrics.listen_addr: %w", err)}
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
