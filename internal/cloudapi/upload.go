package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

// statusResumeIncomplete is the 308 reply meaning "chunk stored, send more".
const statusResumeIncomplete = 308

// statusClientClosed is returned by some servers when a session is deleted.
const statusClientClosed = 499

// UnknownSize marks a session whose total length is not yet known.
const UnknownSize int64 = -1

// UploadState is the lifecycle position of an UploadSession.
type UploadState int

const (
	UploadOpen UploadState = iota
	UploadInProgress
	UploadComplete
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadOpen:
		return "open"
	case UploadInProgress:
		return "uploading"
	case UploadComplete:
		return "complete"
	case UploadFailed:
		return "failed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// UploadSession tracks one resumable upload. The URL is a bearer
// capability and is never logged. Safe for concurrent use, though chunks
// must be sent in order.
type UploadSession struct {
	URL string

	mu     sync.Mutex
	total  int64
	offset int64
	state  UploadState
	object json.RawMessage
}

// ResumeUploadSession rebuilds a session from a stored URL and offset.
func ResumeUploadSession(sessionURL string, total, offset int64) *UploadSession {
	state := UploadOpen
	if offset > 0 {
		state = UploadInProgress
	}

	return &UploadSession{URL: sessionURL, total: total, offset: offset, state: state}
}

// Offset returns the number of bytes the server has acknowledged.
func (s *UploadSession) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offset
}

// Total returns the declared total size, or UnknownSize.
func (s *UploadSession) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.total
}

// State returns the current lifecycle state.
func (s *UploadSession) State() UploadState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Object returns the final object description once complete.
func (s *UploadSession) Object() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.object
}

// ChunkResult reports the outcome of one chunk PUT.
type ChunkResult struct {
	Complete   bool
	NextOffset int64
	Object     json.RawMessage
}

// StartUploadSession initiates a resumable upload of name under
// collectionPath, e.g. "/b/my-bucket/o". totalSize may be UnknownSize.
func (c *Client) StartUploadSession(
	ctx context.Context, collectionPath, name, contentType string, totalSize int64,
) (*UploadSession, error) {
	name = norm.NFC.String(name)
	if name == "" {
		return nil, invalidData("upload object name is empty")
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.logger.Info("starting resumable upload",
		slog.String("name", name),
		slog.String("content_type", contentType),
		slog.Int64("size", totalSize),
	)

	meta, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("cloudapi: encoding upload metadata: %w", err)
	}

	target := c.resolve(c.uploadBaseURL, collectionPath)
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}

	target += sep + "uploadType=resumable&name=" + url.QueryEscape(name)

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	header.Set("X-Upload-Content-Type", contentType)

	if totalSize >= 0 {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(totalSize, 10))
	}

	resp, err := c.send(ctx, http.MethodPost, target, bytes.NewReader(meta), header, true)
	if err != nil {
		return nil, err
	}

	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	defer drain(resp)

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, invalidData("upload initiation response has no Location header")
	}

	if totalSize < 0 {
		totalSize = UnknownSize
	}

	return &UploadSession{URL: location, total: totalSize}, nil
}

// UploadChunk sends data at offset. isLast finalizes the upload; when the
// session size is unknown the total becomes offset+len(data). A 308 reply
// advances the session offset, 200/201 completes it, anything else fails
// the session. The session URL is pre-authenticated, so no Authorization
// header is sent.
func (c *Client) UploadChunk(
	ctx context.Context, s *UploadSession, data []byte, offset int64, isLast bool,
) (*ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == UploadComplete || s.state == UploadFailed {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, s.state)
	}

	if offset != s.offset {
		return nil, invalidData("chunk offset %d does not match session offset %d", offset, s.offset)
	}

	length := int64(len(data))

	total := s.total
	if isLast && total < 0 {
		total = offset + length
	}

	if total >= 0 && offset+length > total {
		return nil, invalidData("chunk ends at %d beyond total size %d", offset+length, total)
	}

	if isLast && offset+length != total {
		return nil, invalidData("final chunk ends at %d, total size is %d", offset+length, total)
	}

	header := http.Header{}
	header.Set("Content-Range", contentRange(offset, length, total))
	header.Set("Content-Type", "application/octet-stream")

	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
		slog.Bool("last", isLast),
	)

	var body io.Reader = bytes.NewReader(data)
	if c.bandwidth != nil {
		body = &rateLimitedReader{r: body, limiter: c.bandwidth, ctx: ctx}
	}

	req, err := c.chunkRequest(ctx, s.URL, body, length, header)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cloudapi: chunk upload canceled: %w", ctx.Err())
		}

		// The server may or may not have stored the bytes; QueryUploadStatus
		// recovers the real offset.
		return nil, fmt.Errorf("%w: chunk upload: %w", ErrConnectionFailed, err)
	}

	s.state = UploadInProgress
	if isLast {
		s.total = total
	}

	return c.handleChunkResponse(s, resp, offset+length)
}

// chunkRequest builds an unauthenticated PUT against the session URL.
func (c *Client) chunkRequest(
	ctx context.Context, sessionURL string, body io.Reader, length int64, header http.Header,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, body)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: creating chunk request: %w", err)
	}

	req.ContentLength = length
	if length == 0 {
		req.Body = http.NoBody
	}

	for k, vs := range header {
		req.Header[k] = vs
	}

	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

// handleChunkResponse applies a chunk reply to the session. Caller holds s.mu.
func (c *Client) handleChunkResponse(s *UploadSession, resp *http.Response, sentEnd int64) (*ChunkResult, error) {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		defer resp.Body.Close()

		obj, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			s.state = UploadFailed
			return nil, fmt.Errorf("%w: reading final upload response: %w", ErrConnectionFailed, err)
		}

		c.metrics.UploadBytes(sentEnd - s.offset)

		s.offset = sentEnd
		s.state = UploadComplete
		s.object = obj
		c.logger.Info("upload complete", slog.Int64("size", sentEnd))

		return &ChunkResult{Complete: true, NextOffset: sentEnd, Object: obj}, nil

	case resp.StatusCode == statusResumeIncomplete:
		next := sentEnd
		if rng := resp.Header.Get("Range"); rng != "" {
			acked, err := parseRangeEnd(rng)
			if err != nil {
				drain(resp)
				return nil, err
			}

			next = acked
		}

		drain(resp)

		if next < s.offset || next > sentEnd {
			return nil, invalidData("server acknowledged offset %d outside [%d, %d]", next, s.offset, sentEnd)
		}

		c.metrics.UploadBytes(next - s.offset)
		s.offset = next

		return &ChunkResult{NextOffset: next}, nil

	default:
		s.state = UploadFailed

		err := drainError(resp)
		c.logger.Error("chunk upload failed", slog.Int("status", resp.StatusCode))

		return nil, err
	}
}

// QueryUploadStatus asks the server how many bytes it holds and syncs the
// session offset to the answer.
func (c *Client) QueryUploadStatus(ctx context.Context, s *UploadSession) (*ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == UploadComplete {
		return &ChunkResult{Complete: true, NextOffset: s.offset, Object: s.object}, nil
	}

	total := "*"
	if s.total >= 0 {
		total = strconv.FormatInt(s.total, 10)
	}

	header := http.Header{}
	header.Set("Content-Range", "bytes */"+total)

	req, err := c.chunkRequest(ctx, s.URL, http.NoBody, 0, header)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: querying upload status: %w", ErrConnectionFailed, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return c.handleChunkResponse(s, resp, s.offset)
	case statusResumeIncomplete:
		var next int64
		if rng := resp.Header.Get("Range"); rng != "" {
			next, err = parseRangeEnd(rng)
			if err != nil {
				drain(resp)
				return nil, err
			}
		}

		drain(resp)

		s.offset = next
		if next > 0 {
			s.state = UploadInProgress
		}

		c.logger.Debug("upload status", slog.Int64("offset", next))

		return &ChunkResult{NextOffset: next}, nil
	default:
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			s.state = UploadFailed
		}

		return nil, drainError(resp)
	}
}

// CancelUploadSession abandons the session on the server.
func (c *Client) CancelUploadSession(ctx context.Context, s *UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.logger.Info("canceling upload session")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.URL, http.NoBody)
	if err != nil {
		return fmt.Errorf("cloudapi: creating cancel request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: canceling upload session: %w", ErrConnectionFailed, err)
	}

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != statusClientClosed &&
		resp.StatusCode != http.StatusOK {
		return drainError(resp)
	}

	drain(resp)
	s.state = UploadFailed

	return nil
}

// UploadOptions tunes UploadStreaming.
type UploadOptions struct {
	// ChunkSize overrides the client's chunk size.
	ChunkSize int
	// Progress, if set, is called with the acknowledged offset after
	// every accepted chunk.
	Progress func(offset int64)
}

// UploadStreaming reads r to the end and uploads it through s in fixed-size
// chunks starting at the session's current offset. The last chunk is
// flagged final; an empty reader on a fresh session sends one empty final
// chunk. Returns the final object description.
func (c *Client) UploadStreaming(
	ctx context.Context, s *UploadSession, r io.Reader, opts UploadOptions,
) (json.RawMessage, error) {
	size := opts.ChunkSize
	if size <= 0 {
		size = c.chunkSize
	}

	cur, err := readChunk(r, make([]byte, size))
	if err != nil {
		return nil, err
	}

	spare := make([]byte, size)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cloudapi: upload canceled: %w", err)
		}

		var next []byte
		if len(cur) == size {
			next, err = readChunk(r, spare)
			if err != nil {
				return nil, err
			}
		}

		isLast := len(next) == 0

		if err := c.sendChunk(ctx, s, cur, isLast, opts.Progress); err != nil {
			return nil, err
		}

		if isLast {
			break
		}

		// cur's backing array becomes the next read buffer.
		spare = cur[:cap(cur)]
		cur = next
	}

	return s.Object(), nil
}

// sendChunk uploads data, resending any tail the server did not keep.
func (c *Client) sendChunk(
	ctx context.Context, s *UploadSession, data []byte, isLast bool, progress func(int64),
) error {
	for {
		offset := s.Offset()

		res, err := c.UploadChunk(ctx, s, data, offset, isLast)
		if err != nil {
			return err
		}

		if progress != nil {
			progress(res.NextOffset)
		}

		if res.Complete {
			return nil
		}

		accepted := res.NextOffset - offset
		if accepted == int64(len(data)) {
			if isLast {
				return invalidData("server did not finalize upload after last chunk")
			}

			return nil
		}

		if accepted == 0 {
			return invalidData("server accepted no bytes of chunk at offset %d", offset)
		}

		data = data[accepted:]
	}
}

// readChunk fills buf from r, returning the filled prefix.
func readChunk(r io.Reader, buf []byte) ([]byte, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("cloudapi: reading upload source: %w", err)
	}

	return buf[:n], nil
}

// contentRange formats the Content-Range header for a chunk. total < 0
// means unknown.
func contentRange(offset, length, total int64) string {
	totalStr := "*"
	if total >= 0 {
		totalStr = strconv.FormatInt(total, 10)
	}

	if length == 0 {
		return "bytes */" + totalStr
	}

	return fmt.Sprintf("bytes %d-%d/%s", offset, offset+length-1, totalStr)
}

// parseRangeEnd converts a "bytes=0-N" Range header into the next offset N+1.
func parseRangeEnd(rng string) (int64, error) {
	spec := strings.TrimPrefix(strings.TrimSpace(rng), "bytes=")

	_, end, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, invalidData("malformed Range header %q", rng)
	}

	n, err := strconv.ParseInt(end, 10, 64)
	if err != nil || n < 0 {
		return 0, invalidData("malformed Range header %q", rng)
	}

	return n + 1, nil
}

// rateLimitedReader throttles reads through a shared token bucket.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized pieces, since
// rate.Limiter.WaitN rejects requests larger than the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
