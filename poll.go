package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/cloudapi"
	"github.com/tonimelisma/cloudlink/internal/poll"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <path>",
		Short: "Poll a resource until a field reaches a value",
		Long: `Fetch a JSON resource repeatedly until --field equals --equals, e.g.
waiting for a long-running operation:

  cloudlink poll /operations/123 --field done --equals true

Delays start at [poll] initial_backoff and double up to [poll] interval.
The command fails once [poll] timeout elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: runPoll,
	}

	cmd.Flags().String("field", "done", "dotted path of the field to test")
	cmd.Flags().String("equals", "true", "value that ends the poll")
	cmd.Flags().Duration("timeout", 0, "override [poll] timeout")
	cmd.Flags().Duration("interval", 0, "override [poll] interval")

	return cmd
}

func runPoll(cmd *cobra.Command, args []string) error {
	field, err := cmd.Flags().GetString("field")
	if err != nil {
		return err
	}

	want, err := cmd.Flags().GetString("equals")
	if err != nil {
		return err
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		if timeout <= 0 {
			timeout = cc.Cfg.PollTimeout
		}

		if interval <= 0 {
			interval = cc.Cfg.PollInterval
		}

		doc, err := poll.Until(ctx,
			func(ctx context.Context) (map[string]any, error) {
				return fetchJSON(ctx, cc, rt.client, args[0])
			},
			func(doc map[string]any) bool {
				v, ok := lookupField(doc, field)
				return ok && v == want
			},
			timeout, interval,
			poll.Options{
				InitialBackoff: cc.Cfg.PollInitialBackoff,
				Name:           "poll " + args[0],
				Logger:         cc.Logger,
				Metrics:        cc.Metrics,
			},
		)
		if err != nil {
			var te *poll.TimeoutError
			if errors.As(err, &te) {
				cc.Statusf("Gave up after %d attempts\n", te.Attempts)
			}

			return err
		}

		return printJSON(cc.Out, doc)
	})
}

// fetchJSON GETs path and decodes a JSON object, bounded by the request
// timeout.
func fetchJSON(ctx context.Context, cc *CLIContext, client *cloudapi.Client, path string) (map[string]any, error) {
	ctx, cancel := withRequestTimeout(ctx, cc)
	defer cancel()

	resp, err := client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", cloudapi.ErrInvalidData, path, err)
	}

	return doc, nil
}

// lookupField resolves a dotted path in a decoded JSON document and
// renders the value as text. Objects and arrays render as compact JSON.
func lookupField(doc map[string]any, path string) (string, bool) {
	var cur any = doc

	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}

		if cur, ok = m[part]; !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, true
	case nil:
		return "null", true
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}

		return string(b), true
	default:
		return fmt.Sprint(v), true
	}
}
