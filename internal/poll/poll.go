// Package poll repeatedly queries a resource until it reaches a wanted
// state (Until) or reports every change it observes (Watch). Both loops
// check for cancellation between attempts and never fetch after it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/cloudlink/internal/metrics"
)

// Default schedule values.
const (
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultInterval       = 5 * time.Second
)

// ErrTimeout is returned (wrapped in *TimeoutError) when Until runs out of time.
var ErrTimeout = errors.New("poll: timed out")

// State is the transient bookkeeping of one polling loop.
type State struct {
	Attempts int
	Started  time.Time
	LastErr  error
}

// TimeoutError reports a loop that exceeded its timeout. It matches both
// ErrTimeout and the last fetch error under errors.Is.
type TimeoutError struct {
	State
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("poll: timed out after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}

	return msg
}

func (e *TimeoutError) Unwrap() []error {
	if e.LastErr == nil {
		return []error{ErrTimeout}
	}

	return []error{ErrTimeout, e.LastErr}
}

// Options tunes Until. The zero value is usable.
type Options struct {
	// InitialBackoff is the first delay; each later delay doubles, capped
	// by the poll interval.
	InitialBackoff time.Duration
	// Name labels log lines and metrics.
	Name    string
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// nowFunc and sleepFunc are replaced in tests to control time.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}

	if o.Name == "" {
		o.Name = "until"
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.nowFunc == nil {
		o.nowFunc = time.Now
	}

	if o.sleepFunc == nil {
		o.sleepFunc = timeSleep
	}

	return o
}

// Until calls fetch until isDone accepts its result. Before every fetch it
// checks the elapsed time against timeout (zero or negative means no
// limit). Delays between attempts grow exponentially from
// opts.InitialBackoff and never exceed interval. Each fetch runs with a
// deadline at the end of the timeout, so a hung fetch cannot outlive it.
// Fetch errors are recorded and retried on the next attempt. Cancellation
// returns ctx.Err().
func Until[T any](
	ctx context.Context,
	fetch func(ctx context.Context) (T, error),
	isDone func(T) bool,
	timeout, interval time.Duration,
	opts Options,
) (T, error) {
	var zero T

	opts = opts.withDefaults()
	if interval <= 0 {
		interval = DefaultInterval
	}

	backoff := retry.WithCappedDuration(interval, retry.NewExponential(min(opts.InitialBackoff, interval)))
	st := State{Started: opts.nowFunc()}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		elapsed := opts.nowFunc().Sub(st.Started)
		if timeout > 0 && elapsed >= timeout {
			opts.Logger.Warn("poll timed out",
				slog.String("loop", opts.Name),
				slog.Int("attempts", st.Attempts),
				slog.Duration("elapsed", elapsed),
			)

			return zero, &TimeoutError{State: st, Elapsed: elapsed}
		}

		v, expired, err := fetchWithin(ctx, fetch, timeout-elapsed, timeout > 0)
		st.Attempts++
		opts.Metrics.PollAttempt(opts.Name)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}

			st.LastErr = err

			if expired {
				elapsed = opts.nowFunc().Sub(st.Started)
				opts.Logger.Warn("poll timed out during fetch",
					slog.String("loop", opts.Name),
					slog.Int("attempts", st.Attempts),
					slog.Duration("elapsed", elapsed),
				)

				return zero, &TimeoutError{State: st, Elapsed: max(elapsed, timeout)}
			}

			opts.Logger.Debug("poll fetch failed",
				slog.String("loop", opts.Name),
				slog.Int("attempt", st.Attempts),
				slog.String("error", err.Error()),
			)
		} else if isDone(v) {
			opts.Logger.Debug("poll condition met",
				slog.String("loop", opts.Name),
				slog.Int("attempts", st.Attempts),
			)

			return v, nil
		}

		delay, _ := backoff.Next()

		if timeout > 0 {
			remaining := timeout - opts.nowFunc().Sub(st.Started)
			if remaining <= 0 {
				continue
			}

			delay = min(delay, remaining)
		}

		if err := opts.sleepFunc(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// fetchWithin runs fetch with a deadline of remaining when bounded is set.
// expired reports that the deadline, not the caller, ended the fetch.
func fetchWithin[T any](
	ctx context.Context, fetch func(ctx context.Context) (T, error), remaining time.Duration, bounded bool,
) (v T, expired bool, err error) {
	if !bounded {
		v, err = fetch(ctx)
		return v, false, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	v, err = fetch(fetchCtx)

	return v, errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil, err
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
