package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/auth"
	"github.com/tonimelisma/cloudlink/internal/cloudapi"
	"github.com/tonimelisma/cloudlink/internal/credential"
)

const metricsShutdownTimeout = 5 * time.Second

// baseTransport, when set, carries every outbound request. Tests point it
// at an httptest TLS server's transport.
var baseTransport http.RoundTripper

// errNoCredentials is returned when no service-account file is configured.
var errNoCredentials = errors.New(
	"no credentials file configured: set [credentials] file, CLOUDLINK_CREDENTIALS, or --credentials")

// apiRuntime owns the long-lived pieces a command talks to the API through.
type apiRuntime struct {
	coord  *auth.Coordinator
	client *cloudapi.Client
	logger *slog.Logger

	stop    context.CancelFunc
	wg      sync.WaitGroup
	metrics *http.Server
}

// newAPIRuntime loads credentials and wires the token coordinator, API
// client, credential watcher, and metrics endpoint. Close releases them.
func newAPIRuntime(ctx context.Context, cc *CLIContext) (*apiRuntime, error) {
	cfg := cc.Cfg
	if cfg.CredentialsFile == "" {
		return nil, errNoCredentials
	}

	store, err := credential.LoadFile(cfg.CredentialsFile, cfg.Scopes)
	if err != nil {
		return nil, err
	}

	if !store.KeyLocked() {
		cc.Logger.Debug("private key could not be locked in memory and may be swapped to disk")
	}

	// Streams and uploads outlive any fixed client timeout; per-request
	// deadlines come from the command context instead.
	httpClient := &http.Client{Transport: baseTransport}

	coord := auth.NewCoordinator(store, auth.Config{
		Scopes:             cfg.Scopes,
		MinRefreshInterval: cfg.MinRefreshInterval,
		CacheDir:           cfg.TokenCacheDir,
		HTTPClient:         &http.Client{Transport: baseTransport, Timeout: cfg.RequestTimeout},
		Metrics:            cc.Metrics,
	}, cc.Logger)

	client := cloudapi.NewClient(cloudapi.Config{
		BaseURL:            cfg.BaseURL,
		UploadBaseURL:      cfg.UploadBaseURL,
		UserAgent:          cfg.UserAgent,
		MaxBatchOperations: cfg.MaxBatchOperations,
		ChunkSize:          int(cfg.ChunkSize),
		BandwidthLimit:     cfg.BandwidthLimit,
		HTTPClient:         httpClient,
		Metrics:            cc.Metrics,
	}, coord, cc.Logger)

	bgCtx, stop := context.WithCancel(ctx)

	rt := &apiRuntime{coord: coord, client: client, logger: cc.Logger, stop: stop}

	if cfg.WatchCredentials {
		rt.watchCredentials(bgCtx, cfg.CredentialsFile, cfg.Scopes)
	}

	if cfg.MetricsAddr != "" {
		if err := rt.serveMetrics(cc, cfg.MetricsAddr); err != nil {
			rt.Close()
			return nil, err
		}
	}

	return rt, nil
}

func (rt *apiRuntime) watchCredentials(ctx context.Context, path string, scopes []string) {
	rt.wg.Add(1)

	go func() {
		defer rt.wg.Done()

		err := credential.Watch(ctx, path, scopes, rt.logger, func(store *credential.Store) {
			if !store.KeyLocked() {
				rt.logger.Debug("reloaded private key is not locked in memory")
			}

			if err := rt.coord.Rotate(store); err != nil {
				rt.logger.Warn("discarding reloaded credentials",
					slog.String("error", err.Error()),
				)
				store.Close()
			}
		})
		if err != nil {
			rt.logger.Warn("credential watch stopped", slog.String("error", err.Error()))
		}
	}()
}

func (rt *apiRuntime) serveMetrics(cc *CLIContext, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cc.Metrics.Registry(), promhttp.HandlerOpts{}))

	rt.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	rt.wg.Add(1)

	go func() {
		defer rt.wg.Done()

		if err := rt.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	rt.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return nil
}

// Close stops background goroutines and zeroes the credential store.
func (rt *apiRuntime) Close() error {
	rt.stop()

	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := rt.metrics.Shutdown(ctx); err != nil {
			rt.logger.Debug("metrics shutdown", slog.String("error", err.Error()))
		}
	}

	rt.wg.Wait()

	return rt.coord.Close()
}

// withRequestTimeout bounds a single non-streaming request.
func withRequestTimeout(ctx context.Context, cc *CLIContext) (context.Context, context.CancelFunc) {
	if cc.Cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, cc.Cfg.RequestTimeout)
}

// runWithAPI runs fn with a signal-aware context and a ready runtime.
func runWithAPI(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error) error {
	cc := mustCLIContext(cmd.Context())

	ctx, cancel := shutdownContext(cmd.Context(), cc.Logger)
	defer cancel()

	rt, err := newAPIRuntime(ctx, cc)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			cc.Logger.Debug("closing runtime", slog.String("error", closeErr.Error()))
		}
	}()

	return fn(ctx, cc, rt)
}
