package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// StreamNDJSON opens a newline-delimited JSON stream and decodes each line
// into T. Blank, malformed and oversized lines are skipped.
func StreamNDJSON[T any](ctx context.Context, c *Client, path string) (*Stream[T], error) {
	resp, err := c.openStream(ctx, path, "application/x-ndjson", nil)
	if err != nil {
		return nil, err
	}

	dec := &ndjsonDecoder[T]{lines: newLineReader(resp.Body), logger: c.logger}

	return newStream(ctx, resp.Body, "ndjson", c.metrics, dec.next), nil
}

type ndjsonDecoder[T any] struct {
	lines  *lineReader
	logger *slog.Logger
	lineNo int
}

func (d *ndjsonDecoder[T]) next() (T, error) {
	for {
		line, err := d.lines.readLine()
		if errors.Is(err, errLineTooLong) {
			d.lineNo++
			d.logger.Debug("skipping oversized ndjson line", slog.Int("line", d.lineNo))

			continue
		}

		if err != nil {
			var zero T
			return zero, err
		}

		d.lineNo++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			d.logger.Debug("skipping malformed ndjson line",
				slog.Int("line", d.lineNo),
				slog.String("error", err.Error()),
			)

			continue
		}

		return v, nil
	}
}
