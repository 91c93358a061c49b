package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/cloudapi"
	"github.com/tonimelisma/cloudlink/internal/poll"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Report changes to a resource until interrupted",
		Long: `Fetch a JSON resource every [poll] watch_interval and print it whenever
it changes. With --field only that field is compared.

With --notify, a websocket push channel at that path triggers an
immediate re-fetch whenever a message arrives, so changes show up without
waiting for the next interval.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("field", "", "dotted path of the field to compare (whole document if empty)")
	cmd.Flags().String("notify", "", "websocket path whose messages trigger an immediate fetch")
	cmd.Flags().Duration("interval", 0, "override [poll] watch_interval")
	cmd.Flags().Int("max-errors", 0, "stop after this many consecutive fetch errors (0 retries forever)")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	field, err := cmd.Flags().GetString("field")
	if err != nil {
		return err
	}

	notifyPath, err := cmd.Flags().GetString("notify")
	if err != nil {
		return err
	}

	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	maxErrors, err := cmd.Flags().GetInt("max-errors")
	if err != nil {
		return err
	}

	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		if interval <= 0 {
			interval = cc.Cfg.WatchInterval
		}

		cfg := poll.WatchConfig[map[string]any]{
			Interval:             interval,
			MaxConsecutiveErrors: maxErrors,
			Name:                 "watch " + args[0],
			Logger:               cc.Logger,
			Metrics:              cc.Metrics,
		}

		if field != "" {
			cfg.Equal = func(a, b map[string]any) bool {
				av, aok := lookupField(a, field)
				bv, bok := lookupField(b, field)

				return aok == bok && av == bv
			}
		}

		if notifyPath != "" {
			wake, err := wakeupFromNotifications(ctx, rt.client, notifyPath, cc.Logger)
			if err != nil {
				return err
			}

			cfg.Wakeup = wake
		}

		return poll.Watch(ctx,
			func(ctx context.Context) (map[string]any, error) {
				return fetchJSON(ctx, cc, rt.client, args[0])
			},
			func(cur, _ map[string]any) bool {
				if err := printChange(cc, field, cur); err != nil {
					cc.Logger.Warn("printing change", slog.String("error", err.Error()))
					return false
				}

				return true
			},
			cfg,
		)
	})
}

func printChange(cc *CLIContext, field string, doc map[string]any) error {
	if field == "" || cc.Flags.JSON {
		return printJSON(cc.Out, doc)
	}

	v, _ := lookupField(doc, field)
	_, err := fmt.Fprintf(cc.Out, "%s %s=%s\n", time.Now().Format(time.RFC3339), field, v)

	return err
}

// wakeupFromNotifications turns a notification stream into a coalescing
// wakeup signal: bursts of messages collapse into one pending wakeup. The
// returned channel closes when the notification stream ends.
func wakeupFromNotifications(
	ctx context.Context, client *cloudapi.Client, path string, logger *slog.Logger,
) (<-chan struct{}, error) {
	notes, err := client.Notifications(ctx, path)
	if err != nil {
		return nil, err
	}

	return coalesceWakeups(notes, logger), nil
}

func coalesceWakeups(notes <-chan cloudapi.Notification, logger *slog.Logger) <-chan struct{} {
	wake := make(chan struct{}, 1)

	go func() {
		defer close(wake)

		for n := range notes {
			logger.Debug("notification received", slog.Int("bytes", len(n.Data)))

			select {
			case wake <- struct{}{}:
			default:
			}
		}

		logger.Debug("notification stream closed, falling back to interval polling")
	}()

	return wake
}
