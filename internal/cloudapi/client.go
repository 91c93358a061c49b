package cloudapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/cloudlink/internal/metrics"
)

// Defaults applied by NewClient for zero Config fields.
const (
	DefaultUserAgent          = "cloudlink/0.1"
	DefaultMaxBatchOperations = 100
	DefaultChunkSize          = 256 * 1024

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 1 << 20
	// burstMultiplier sizes the bandwidth bucket relative to the rate.
	burstMultiplier = 2
)

// TokenSource provides the Authorization header value, token type
// included. *auth.Coordinator satisfies it.
type TokenSource interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// Config holds client settings. Only BaseURL is required.
type Config struct {
	// BaseURL is the API root, e.g. "https://storage.googleapis.com/storage/v1".
	BaseURL string
	// UploadBaseURL prefixes upload initiation paths. Defaults to BaseURL.
	UploadBaseURL string
	// BatchPath is appended to BaseURL for batch submissions. Defaults to "/batch".
	BatchPath          string
	UserAgent          string
	MaxBatchOperations int
	ChunkSize          int
	// BandwidthLimit caps upload throughput in bytes per second. Zero is unlimited.
	BandwidthLimit int64
	HTTPClient     *http.Client
	Metrics        *metrics.Metrics
}

// Client issues authenticated requests against one API surface.
// It never retries on its own; callers pick their retry policy.
type Client struct {
	baseURL       string
	uploadBaseURL string
	batchPath     string
	userAgent     string
	maxBatch      int
	chunkSize     int
	httpClient    *http.Client
	token         TokenSource
	logger        *slog.Logger
	metrics       *metrics.Metrics
	bandwidth     *rate.Limiter
}

// NewClient creates a client for cfg.BaseURL authenticated by token.
func NewClient(cfg Config, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		uploadBaseURL: strings.TrimRight(cfg.UploadBaseURL, "/"),
		batchPath:     cfg.BatchPath,
		userAgent:     cfg.UserAgent,
		maxBatch:      cfg.MaxBatchOperations,
		chunkSize:     cfg.ChunkSize,
		httpClient:    cfg.HTTPClient,
		token:         token,
		logger:        logger,
		metrics:       cfg.Metrics,
	}

	if c.uploadBaseURL == "" {
		c.uploadBaseURL = c.baseURL
	}

	if c.batchPath == "" {
		c.batchPath = "/batch"
	}

	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}

	if c.maxBatch <= 0 {
		c.maxBatch = DefaultMaxBatchOperations
	}

	if c.chunkSize <= 0 {
		c.chunkSize = DefaultChunkSize
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if cfg.BandwidthLimit > 0 {
		burst := int(cfg.BandwidthLimit) * burstMultiplier
		c.bandwidth = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)

		logger.Info("upload bandwidth limited",
			slog.Int64("bytes_per_sec", cfg.BandwidthLimit),
			slog.Int("burst", burst),
		)
	}

	return c
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes an authenticated request. path is appended to the base URL
// unless it is already absolute. Non-2xx responses become *APIError; the
// caller closes the body of a successful response.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	header := http.Header{}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(ctx, method, c.resolve(c.baseURL, path), body, header, true)
	if err != nil {
		return nil, err
	}

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// resolve joins base and path unless path is already an absolute URL.
func (c *Client) resolve(base, path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}

	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return base + path
}

// send performs one HTTP exchange. When authenticated is false no bearer
// token is attached. The response is returned regardless of status.
func (c *Client) send(
	ctx context.Context, method, url string, body io.Reader, header http.Header, authenticated bool,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: creating request: %w", err)
	}

	for k, vs := range header {
		req.Header[k] = vs
	}

	req.Header.Set("User-Agent", c.userAgent)

	if authenticated {
		auth, tokErr := c.token.AuthorizationHeader(ctx)
		if tokErr != nil {
			return nil, fmt.Errorf("cloudapi: obtaining token: %w", tokErr)
		}

		req.Header.Set("Authorization", auth)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cloudapi: request canceled: %w", ctx.Err())
		}

		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, method, err)
	}

	c.metrics.RequestDuration(method, time.Since(start))

	c.logger.Debug("response received",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	return resp, nil
}

// checkResponse converts a non-2xx response into *APIError, consuming and
// closing its body. 2xx responses are left untouched.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	return drainError(resp)
}

// drainError reads a bounded error body, closes it, and builds *APIError.
func drainError(resp *http.Response) error {
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	return newAPIError(resp.StatusCode, resp.Header, body)
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
