package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/cloudapi"
	"github.com/tonimelisma/cloudlink/internal/workpool"
)

func newFetchManyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-many <path>...",
		Short: "GET many resources concurrently",
		Long: `GET every path with at most [workers] max_concurrency requests in
flight. Failed paths are retried up to [workers] max_retries times, with
delays starting at [workers] retry_backoff. Each path is reported once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runFetchMany,
	}
}

type fetchOutcome struct {
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func runFetchMany(cmd *cobra.Command, args []string) error {
	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		exec := workpool.New[string, int64](workpool.Config{
			MaxConcurrency: cc.Cfg.MaxConcurrency,
			MaxRetries:     cc.Cfg.MaxRetries,
			RetryBackoff:   cc.Cfg.RetryBackoff,
			Metrics:        cc.Metrics,
		}, cc.Logger)

		results := exec.RunWithRetry(ctx, args, func(ctx context.Context, path string) (int64, error) {
			return fetchSize(ctx, cc, rt.client, path)
		})

		outcomes := fetchOutcomes(results)

		failed := 0
		for _, o := range outcomes {
			if o.Error != "" {
				failed++
			}
		}

		if cc.Flags.JSON {
			if err := printJSON(cc.Out, outcomes); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(outcomes))
			for _, o := range outcomes {
				status := "ok"
				if o.Error != "" {
					status = o.Error
				}

				rows = append(rows, []string{o.Path, formatSize(o.Bytes), strconv.Itoa(o.Attempts), status})
			}

			printTable(cc.Out, []string{"PATH", "SIZE", "ATTEMPTS", "STATUS"}, rows)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d fetches failed", failed, len(outcomes))
		}

		return nil
	})
}

// fetchSize GETs path and returns the body length.
func fetchSize(ctx context.Context, cc *CLIContext, client *cloudapi.Client, path string) (int64, error) {
	ctx, cancel := withRequestTimeout(ctx, cc)
	defer cancel()

	resp, err := client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: reading %s: %w", cloudapi.ErrConnectionFailed, path, err)
	}

	return n, nil
}

func fetchOutcomes(results map[string]workpool.Result[int64]) []fetchOutcome {
	paths := make([]string, 0, len(results))
	for p := range results {
		paths = append(paths, p)
	}

	slices.Sort(paths)

	out := make([]fetchOutcome, 0, len(paths))

	for _, p := range paths {
		r := results[p]
		o := fetchOutcome{Path: p, Bytes: r.Value, Attempts: r.Attempts}

		if r.Err != nil {
			o.Error = r.Err.Error()
		}

		out = append(out, o)
	}

	return out
}
