// Package workpool runs many independent operations with a fixed
// concurrency budget, optionally retrying the ones that fail.
package workpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloudlink/internal/metrics"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxConcurrency  = 8
	DefaultRetryBackoff    = time.Second
	DefaultMaxRetryBackoff = 30 * time.Second
)

// Config tunes an Executor.
type Config struct {
	MaxConcurrency int
	// MaxRetries is the number of extra passes RunWithRetry makes over
	// still-failing items.
	MaxRetries int
	// RetryBackoff is the delay before the first retry pass; later passes
	// double it up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Metrics         *metrics.Metrics
}

// Result is the outcome of one item. Attempts counts how many times the
// operation ran.
type Result[V any] struct {
	Value    V
	Err      error
	Attempts int
}

// Executor fans operations out over at most MaxConcurrency goroutines.
type Executor[K comparable, V any] struct {
	cfg    Config
	logger *slog.Logger

	// sleepFunc is replaced in tests to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates an Executor.
func New[K comparable, V any](cfg Config, logger *slog.Logger) *Executor[K, V] {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultMaxRetryBackoff
	}

	return &Executor[K, V]{cfg: cfg, logger: logger, sleepFunc: timeSleep}
}

// Run executes op once for every distinct item, keeping MaxConcurrency
// operations in flight until the input is exhausted. A failing item never
// stops the others. Items not started before ctx ends record ctx.Err().
func (e *Executor[K, V]) Run(ctx context.Context, items []K, op func(ctx context.Context, item K) (V, error)) map[K]Result[V] {
	results := make(map[K]Result[V], len(items))
	e.runPass(ctx, dedupe(items), op, results)

	return results
}

// RunWithRetry is Run followed by up to MaxRetries further passes over
// only the items that are still failing, with a growing delay between
// passes. Items failing after the last pass keep their last error.
func (e *Executor[K, V]) RunWithRetry(
	ctx context.Context, items []K, op func(ctx context.Context, item K) (V, error),
) map[K]Result[V] {
	results := make(map[K]Result[V], len(items))
	pending := dedupe(items)

	backoff := retry.WithCappedDuration(e.cfg.MaxRetryBackoff, retry.NewExponential(e.cfg.RetryBackoff))

	for pass := 0; ; pass++ {
		e.runPass(ctx, pending, op, results)

		pending = failing(pending, results)
		if len(pending) == 0 || pass >= e.cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		delay, _ := backoff.Next()

		e.logger.Info("retrying failed items",
			slog.Int("failed", len(pending)),
			slog.Int("pass", pass+1),
			slog.Duration("backoff", delay),
		)

		if err := e.sleepFunc(ctx, delay); err != nil {
			break
		}
	}

	if len(pending) > 0 {
		e.logger.Warn("items failed after retries",
			slog.Int("failed", len(pending)),
			slog.Int("max_retries", e.cfg.MaxRetries),
		)
	}

	return results
}

// runPass runs op over items, merging outcomes into results. Attempts
// accumulate across passes.
func (e *Executor[K, V]) runPass(
	ctx context.Context, items []K, op func(ctx context.Context, item K) (V, error), results map[K]Result[V],
) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	g.SetLimit(e.cfg.MaxConcurrency)

	record := func(item K, v V, err error, ran bool) {
		mu.Lock()
		defer mu.Unlock()

		prev := results[item]

		attempts := prev.Attempts
		if ran {
			attempts++
		}

		results[item] = Result[V]{Value: v, Err: err, Attempts: attempts}
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			var zero V
			record(item, zero, err, false)

			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				var zero V
				record(item, zero, err, false)

				return nil
			}

			v, err := safeCall(ctx, item, op)
			e.cfg.Metrics.WorkItem(err == nil)
			record(item, v, err, true)

			return nil
		})
	}

	_ = g.Wait()
}

// safeCall runs op, converting a panic into an error.
func safeCall[K comparable, V any](ctx context.Context, item K, op func(context.Context, K) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workpool: operation panicked: %v", r)
		}
	}()

	return op(ctx, item)
}

func dedupe[K comparable](items []K) []K {
	seen := make(map[K]struct{}, len(items))
	out := make([]K, 0, len(items))

	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}

		seen[item] = struct{}{}
		out = append(out, item)
	}

	return out
}

func failing[K comparable, V any](items []K, results map[K]Result[V]) []K {
	var out []K

	for _, item := range items {
		if results[item].Err != nil {
			out = append(out, item)
		}
	}

	return out
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
