package cloudapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Event is one server-sent event. Type is empty when the event carried no
// "event:" field.
type Event struct {
	Type  string
	Data  string
	ID    string
	Retry time.Duration
}

// EventStream is a Stream of server-sent events that remembers the last
// event id for resumption.
type EventStream struct {
	*Stream[Event]
	dec *sseDecoder
}

// LastEventID returns the most recent id received, suitable for passing
// back to StreamSSE after a disconnect.
func (s *EventStream) LastEventID() string {
	return s.dec.lastID
}

// StreamSSE opens an event stream. A non-empty lastEventID is sent as
// Last-Event-ID so the server can resume after it.
func (c *Client) StreamSSE(ctx context.Context, path, lastEventID string) (*EventStream, error) {
	header := http.Header{}
	header.Set("Cache-Control", "no-cache")

	if lastEventID != "" {
		header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.openStream(ctx, path, "text/event-stream", header)
	if err != nil {
		return nil, err
	}

	dec := &sseDecoder{lines: newLineReader(resp.Body), lastID: lastEventID}

	return &EventStream{
		Stream: newStream(ctx, resp.Body, "sse", c.metrics, dec.next),
		dec:    dec,
	}, nil
}

type sseDecoder struct {
	lines  *lineReader
	lastID string
	eof    bool
}

// next accumulates fields until a blank line and dispatches the event.
// Events without data lines are dropped.
func (d *sseDecoder) next() (Event, error) {
	for !d.eof {
		var (
			ev      Event
			data    []string
			hasData bool
			pending bool
		)

		for {
			line, err := d.lines.readLine()
			if errors.Is(err, io.EOF) {
				d.eof = true
				break
			}

			if err != nil {
				return Event{}, err
			}

			if len(line) == 0 {
				if pending {
					break
				}

				continue
			}

			pending = true

			if d.applyField(&ev, string(line)) {
				data = append(data, fieldValue(string(line)))
				hasData = true
			}
		}

		if hasData {
			ev.Data = strings.Join(data, "\n")
			ev.ID = d.lastID

			return ev, nil
		}
	}

	return Event{}, io.EOF
}

// applyField updates ev from one line and reports whether it is a data line.
func (d *sseDecoder) applyField(ev *Event, line string) bool {
	name, _, _ := strings.Cut(line, ":")
	value := fieldValue(line)

	switch name {
	case "":
		// Comment line.
	case "event":
		ev.Type = value
	case "data":
		return true
	case "id":
		if !strings.Contains(value, "\x00") {
			d.lastID = value
		}
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			ev.Retry = time.Duration(ms) * time.Millisecond
		}
	}

	return false
}

// fieldValue returns the text after the first colon, minus one leading space.
func fieldValue(line string) string {
	_, value, found := strings.Cut(line, ":")
	if !found {
		return ""
	}

	return strings.TrimPrefix(value, " ")
}
