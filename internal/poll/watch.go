package poll

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/cloudlink/internal/metrics"
)

// Default watch values.
const (
	DefaultWatchInterval   = 30 * time.Second
	DefaultMaxErrorBackoff = 5 * time.Minute
)

// WatchConfig tunes Watch. The zero value is usable.
type WatchConfig[T any] struct {
	// Interval between fetches while the resource is healthy.
	Interval time.Duration
	// Equal decides whether two observations are the same. Defaults to
	// reflect.DeepEqual.
	Equal func(a, b T) bool
	// Wakeup triggers an immediate fetch when it receives, e.g. from a
	// push notification channel. A closed channel is ignored afterwards.
	Wakeup <-chan struct{}
	// MaxErrorBackoff caps the delay after consecutive fetch errors.
	MaxErrorBackoff time.Duration
	// MaxConsecutiveErrors stops the watch with the last error once
	// exceeded. Zero retries forever.
	MaxConsecutiveErrors int
	Name                 string
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
}

// Watch fetches on a fixed interval and calls onChange(current, previous)
// whenever the observation differs from the last one. The first
// observation always triggers, with previous set to the zero value. Watch
// stops and returns nil when onChange returns false or ctx is canceled.
func Watch[T any](
	ctx context.Context,
	fetch func(ctx context.Context) (T, error),
	onChange func(current, previous T) bool,
	cfg WatchConfig[T],
) error {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchInterval
	}

	if cfg.MaxErrorBackoff <= 0 {
		cfg.MaxErrorBackoff = DefaultMaxErrorBackoff
	}

	if cfg.Equal == nil {
		cfg.Equal = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}

	if cfg.Name == "" {
		cfg.Name = "watch"
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		previous T
		observed bool
		failures int
	)

	newErrBackoff := func() retry.Backoff {
		return retry.WithCappedDuration(cfg.MaxErrorBackoff, retry.NewExponential(min(cfg.Interval, cfg.MaxErrorBackoff)))
	}
	errBackoff := newErrBackoff()
	wakeup := cfg.Wakeup

	for {
		if ctx.Err() != nil {
			return nil
		}

		current, err := fetch(ctx)
		cfg.Metrics.PollAttempt(cfg.Name)

		delay := cfg.Interval

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}

			failures++
			if cfg.MaxConsecutiveErrors > 0 && failures > cfg.MaxConsecutiveErrors {
				return fmt.Errorf("poll: watch %s gave up after %d consecutive errors: %w", cfg.Name, failures, err)
			}

			delay, _ = errBackoff.Next()

			cfg.Logger.Warn("watch fetch failed",
				slog.String("loop", cfg.Name),
				slog.Int("consecutive_errors", failures),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)

		case !observed || !cfg.Equal(current, previous):
			if failures > 0 {
				failures = 0
				errBackoff = newErrBackoff()
			}

			last := previous
			previous = current
			observed = true

			if !onChange(current, last) {
				cfg.Logger.Debug("watch stopped by observer", slog.String("loop", cfg.Name))
				return nil
			}

		default:
			if failures > 0 {
				failures = 0
				errBackoff = newErrBackoff()
			}
		}

		var ok bool

		ok, wakeup = waitOrWake(ctx, delay, wakeup)
		if !ok {
			return nil
		}
	}
}

// waitOrWake sleeps for d, returning early when wakeup fires. It reports
// false if ctx ended, and returns the wakeup channel to use next (nil once
// the channel has been closed).
func waitOrWake(ctx context.Context, d time.Duration, wakeup <-chan struct{}) (bool, <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, wakeup
	case <-timer.C:
		return true, wakeup
	case _, open := <-wakeup:
		if open {
			return true, wakeup
		}
	}

	select {
	case <-ctx.Done():
		return false, nil
	case <-timer.C:
		return true, nil
	}
}
