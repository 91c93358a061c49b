package cloudapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"

	"github.com/tonimelisma/cloudlink/internal/metrics"
)

const (
	// rawReadSize is the buffer size for each raw chunk read.
	rawReadSize = 32 << 10
	// maxLineBytes bounds a single SSE or NDJSON line.
	maxLineBytes = 4 << 20
)

// Stream is a lazy, forward-only sequence of decoded frames read from a
// response body. Reading drives the network; a Stream cannot be restarted.
// Not safe for concurrent use.
type Stream[T any] struct {
	ctx     context.Context
	body    io.ReadCloser
	next    func() (T, error)
	label   string
	metrics *metrics.Metrics

	done      bool
	err       error
	closeOnce sync.Once
}

func newStream[T any](
	ctx context.Context, body io.ReadCloser, label string, m *metrics.Metrics, next func() (T, error),
) *Stream[T] {
	return &Stream[T]{ctx: ctx, body: body, next: next, label: label, metrics: m}
}

// Next returns the next frame. It returns io.EOF once the body is
// exhausted and the same terminal error on every later call.
func (s *Stream[T]) Next() (T, error) {
	var zero T

	if s.done {
		return zero, s.err
	}

	if err := s.ctx.Err(); err != nil {
		s.finish(err)
		return zero, err
	}

	v, err := s.next()
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil && !errors.Is(err, io.EOF) {
			err = ctxErr
		}

		s.finish(err)

		return zero, err
	}

	s.metrics.StreamFrame(s.label)

	return v, nil
}

// All adapts the stream to a range-over-func iterator. Iteration ends at
// end of stream; any other error is yielded once as the final element.
// The stream is closed when iteration stops.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()

		for {
			v, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				var zero T
				yield(zero, err)

				return
			}

			if !yield(v, nil) {
				return
			}
		}
	}
}

// Close releases the response body. Safe to call more than once.
func (s *Stream[T]) Close() error {
	var err error

	s.closeOnce.Do(func() {
		err = s.body.Close()
	})

	if !s.done {
		s.done = true
		s.err = io.EOF
	}

	return err
}

func (s *Stream[T]) finish(err error) {
	s.done = true
	s.err = err
	_ = s.Close()
}

// openStream issues an authenticated GET and fails before any frame is
// produced if the response status is not 2xx.
func (c *Client) openStream(ctx context.Context, path, accept string, header http.Header) (*http.Response, error) {
	if header == nil {
		header = http.Header{}
	}

	if accept != "" {
		header.Set("Accept", accept)
	}

	resp, err := c.send(ctx, http.MethodGet, c.resolve(c.baseURL, path), nil, header, true)
	if err != nil {
		return nil, err
	}

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// RawChunk is one read from a raw byte stream. The last chunk of every
// stream is empty with Final set.
type RawChunk struct {
	Sequence int
	Data     []byte
	Final    bool
}

// StreamRaw opens path and relays the body as a sequence of RawChunks.
func (c *Client) StreamRaw(ctx context.Context, path string) (*Stream[RawChunk], error) {
	resp, err := c.openStream(ctx, path, "", nil)
	if err != nil {
		return nil, err
	}

	dec := &rawDecoder{r: resp.Body, buf: make([]byte, rawReadSize)}

	return newStream(ctx, resp.Body, "raw", c.metrics, dec.next), nil
}

type rawDecoder struct {
	r         io.Reader
	buf       []byte
	seq       int
	eof       bool
	finalSent bool
}

func (d *rawDecoder) next() (RawChunk, error) {
	for !d.eof {
		n, err := d.r.Read(d.buf)
		if errors.Is(err, io.EOF) {
			d.eof = true
		} else if err != nil {
			return RawChunk{}, fmt.Errorf("%w: reading stream: %w", ErrConnectionFailed, err)
		}

		if n > 0 {
			chunk := RawChunk{Sequence: d.seq, Data: bytes.Clone(d.buf[:n])}
			d.seq++

			return chunk, nil
		}
	}

	if d.finalSent {
		return RawChunk{}, io.EOF
	}

	d.finalSent = true

	return RawChunk{Sequence: d.seq, Final: true}, nil
}

// errLineTooLong reports a line over the reader's limit. The reader has
// already skipped past it, so the next readLine starts on a fresh line.
var errLineTooLong = fmt.Errorf("%w: stream line too long", ErrInvalidData)

// lineReader yields newline-terminated lines with the terminator removed.
// A final unterminated line is returned before io.EOF.
type lineReader struct {
	r     *bufio.Reader
	limit int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r), limit: maxLineBytes}
}

func (lr *lineReader) readLine() ([]byte, error) {
	var line []byte

	for {
		frag, err := lr.r.ReadSlice('\n')
		line = append(line, frag...)

		if len(line) > lr.limit {
			if errors.Is(err, bufio.ErrBufferFull) {
				if dErr := lr.discardLine(); dErr != nil {
					return nil, dErr
				}
			}

			return nil, fmt.Errorf("%w: exceeds %d bytes", errLineTooLong, lr.limit)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					return trimEOL(line), nil
				}

				return nil, io.EOF
			}

			return nil, fmt.Errorf("%w: reading stream: %w", ErrConnectionFailed, err)
		}

		return trimEOL(line), nil
	}
}

// discardLine consumes input through the next newline or EOF.
func (lr *lineReader) discardLine() error {
	for {
		_, err := lr.r.ReadSlice('\n')

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil, errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("%w: reading stream: %w", ErrConnectionFailed, err)
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
