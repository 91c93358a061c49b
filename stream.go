package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/cloudapi"
)

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Consume a streaming endpoint",
	}

	cmd.AddCommand(newStreamRawCmd())
	cmd.AddCommand(newStreamSSECmd())
	cmd.AddCommand(newStreamNDJSONCmd())

	return cmd
}

func newStreamRawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <path>",
		Short: "Copy a raw byte stream to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
				stream, err := rt.client.StreamRaw(ctx, args[0])
				if err != nil {
					return err
				}
				defer stream.Close()

				var total int64

				for chunk, err := range stream.All() {
					if err != nil {
						return err
					}

					if _, err := cc.Out.Write(chunk.Data); err != nil {
						return err
					}

					total += int64(len(chunk.Data))
				}

				cc.Logger.Debug("raw stream finished", slog.Int64("bytes", total))

				return nil
			})
		},
	}
}

type sseOutput struct {
	Type  string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  string `json:"data"`
	Retry int64  `json:"retry_ms,omitempty"`
}

func newStreamSSECmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sse <path>",
		Short: "Print server-sent events, one per line",
		Args:  cobra.ExactArgs(1),
		RunE:  runStreamSSE,
	}

	cmd.Flags().String("last-event-id", "", "resume after this event id")

	return cmd
}

func runStreamSSE(cmd *cobra.Command, args []string) error {
	lastID, err := cmd.Flags().GetString("last-event-id")
	if err != nil {
		return err
	}

	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		stream, err := rt.client.StreamSSE(ctx, args[0], lastID)
		if err != nil {
			return err
		}
		defer stream.Close()

		enc := json.NewEncoder(cc.Out)

		for ev, err := range stream.All() {
			if err != nil {
				if id := stream.LastEventID(); id != "" {
					cc.Statusf("Stream ended; resume with --last-event-id %s\n", id)
				}

				return err
			}

			if !cc.Flags.JSON {
				fmt.Fprintf(cc.Out, "%s: %s\n", ev.Type, ev.Data)
				continue
			}

			if err := enc.Encode(sseOutput{
				Type:  ev.Type,
				ID:    ev.ID,
				Data:  ev.Data,
				Retry: ev.Retry.Milliseconds(),
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

func newStreamNDJSONCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ndjson <path>",
		Short: "Print newline-delimited JSON values, skipping malformed lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
				stream, err := cloudapi.StreamNDJSON[json.RawMessage](ctx, rt.client, args[0])
				if err != nil {
					return err
				}
				defer stream.Close()

				count := 0

				for v, err := range stream.All() {
					if err != nil {
						return err
					}

					if _, err := fmt.Fprintf(cc.Out, "%s\n", v); err != nil {
						return err
					}

					count++
				}

				cc.Statusf("%d records\n", count)

				return nil
			})
		},
	}
}
