package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BatchOperation is one HTTP-shaped request carried inside a batch.
type BatchOperation struct {
	// ID correlates the response part. Empty IDs are assigned a UUID.
	ID     string
	Method string
	// Path is relative to the client's base URL, e.g. "/b/bucket/o/name".
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string
	// Decode converts a successful response body into a result value.
	// Nil keeps the body as json.RawMessage.
	Decode func(body []byte) (any, error)
}

// BatchOperationError is the failure recorded for a single operation.
type BatchOperationError struct {
	ID         string
	StatusCode int
	Message    string
	Details    []json.RawMessage
	Err        error // status sentinel or ErrInvalidData, for errors.Is()
}

func (e *BatchOperationError) Error() string {
	return fmt.Sprintf("cloudapi: batch operation %q failed (HTTP %d): %s", e.ID, e.StatusCode, e.Message)
}

func (e *BatchOperationError) Unwrap() error {
	return e.Err
}

// BatchResultSet holds exactly one outcome per submitted operation id.
type BatchResultSet struct {
	Successes map[string]any
	Failures  map[string]*BatchOperationError
}

func newBatchResultSet() *BatchResultSet {
	return &BatchResultSet{
		Successes: make(map[string]any),
		Failures:  make(map[string]*BatchOperationError),
	}
}

// Len returns the number of recorded outcomes.
func (s *BatchResultSet) Len() int {
	return len(s.Successes) + len(s.Failures)
}

// Get returns the result for id, or its failure.
func (s *BatchResultSet) Get(id string) (any, error) {
	if v, ok := s.Successes[id]; ok {
		return v, nil
	}

	if f, ok := s.Failures[id]; ok {
		return nil, f
	}

	return nil, fmt.Errorf("%w: no result for operation %q", ErrInvalidData, id)
}

// IDs returns every recorded id in sorted order.
func (s *BatchResultSet) IDs() []string {
	ids := make([]string, 0, s.Len())
	for id := range s.Successes {
		ids = append(ids, id)
	}

	for id := range s.Failures {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (s *BatchResultSet) merge(other *BatchResultSet) {
	for id, v := range other.Successes {
		s.Successes[id] = v
	}

	for id, f := range other.Failures {
		s.Failures[id] = f
	}
}

// ExpectJSON returns a Decode function that unmarshals into T.
func ExpectJSON[T any]() func([]byte) (any, error) {
	return func(body []byte) (any, error) {
		var v T
		if len(bytes.TrimSpace(body)) == 0 {
			return v, nil
		}

		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}

		return v, nil
	}
}

// ExecuteBatch submits ops as one or more multipart/mixed batches of at
// most the configured size, one submission at a time. Per-operation
// failures are recorded in the result set. A failed submission aborts the
// call; the returned set then holds the outcomes of earlier submissions.
func (c *Client) ExecuteBatch(ctx context.Context, ops []BatchOperation) (*BatchResultSet, error) {
	results := newBatchResultSet()
	if len(ops) == 0 {
		return results, nil
	}

	prepared, err := prepareOperations(ops)
	if err != nil {
		return results, err
	}

	c.logger.Info("executing batch",
		slog.Int("operations", len(prepared)),
		slog.Int("max_per_request", c.maxBatch),
	)

	for chunk := range slices.Chunk(prepared, c.maxBatch) {
		part, subErr := c.submitBatch(ctx, chunk)
		if subErr != nil {
			c.metrics.BatchRequest(false)
			return results, subErr
		}

		c.metrics.BatchRequest(true)
		c.metrics.BatchOperations(len(part.Successes), len(part.Failures))
		results.merge(part)
	}

	c.logger.Debug("batch complete",
		slog.Int("succeeded", len(results.Successes)),
		slog.Int("failed", len(results.Failures)),
	)

	return results, nil
}

// TypedResultSet is a BatchResultSet whose successes share one type.
type TypedResultSet[T any] struct {
	Successes map[string]T
	Failures  map[string]*BatchOperationError
}

// ExecuteBatchAs runs a homogeneous batch decoding every success into T.
// Operations with their own Decode keep it; its result must be a T.
func ExecuteBatchAs[T any](ctx context.Context, c *Client, ops []BatchOperation) (*TypedResultSet[T], error) {
	typed := make([]BatchOperation, len(ops))
	for i, op := range ops {
		if op.Decode == nil {
			op.Decode = ExpectJSON[T]()
		}

		typed[i] = op
	}

	raw, err := c.ExecuteBatch(ctx, typed)

	out := &TypedResultSet[T]{
		Successes: make(map[string]T, len(raw.Successes)),
		Failures:  raw.Failures,
	}

	for id, v := range raw.Successes {
		tv, ok := v.(T)
		if !ok {
			out.Failures[id] = &BatchOperationError{
				ID:      id,
				Message: fmt.Sprintf("result has type %T", v),
				Err:     ErrInvalidData,
			}

			continue
		}

		out.Successes[id] = tv
	}

	return out, err
}

// prepareOperations copies ops, assigning ids and rejecting duplicates.
func prepareOperations(ops []BatchOperation) ([]BatchOperation, error) {
	seen := make(map[string]struct{}, len(ops))
	out := make([]BatchOperation, len(ops))

	for i, op := range ops {
		if op.ID == "" {
			op.ID = uuid.NewString()
		}

		if strings.ContainsAny(op.ID, "<>\r\n") {
			return nil, invalidData("operation id %q contains reserved characters", op.ID)
		}

		if _, dup := seen[op.ID]; dup {
			return nil, invalidData("duplicate operation id %q", op.ID)
		}

		if op.Method == "" {
			op.Method = http.MethodGet
		}

		seen[op.ID] = struct{}{}
		out[i] = op
	}

	return out, nil
}

// submitBatch sends one multipart/mixed request and parses its response.
func (c *Client) submitBatch(ctx context.Context, ops []BatchOperation) (*BatchResultSet, error) {
	body, contentType, err := c.encodeBatch(ops)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", contentType)

	resp, err := c.send(ctx, http.MethodPost, c.baseURL+c.batchPath, bytes.NewReader(body), header, true)
	if err != nil {
		return nil, err
	}

	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseBatchResponse(resp, ops)
}

// encodeBatch writes ops as application/http parts under a fresh boundary.
func (c *Client) encodeBatch(ops []BatchOperation) ([]byte, string, error) {
	basePath := ""
	if u, err := url.Parse(c.baseURL); err == nil {
		basePath = strings.TrimRight(u.Path, "/")
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")); err != nil {
		return nil, "", fmt.Errorf("cloudapi: setting batch boundary: %w", err)
	}

	for _, op := range ops {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-Transfer-Encoding", "binary")
		h.Set("Content-ID", "<"+op.ID+">")

		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("cloudapi: creating batch part: %w", err)
		}

		if err := writeInnerRequest(pw, basePath, op); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("cloudapi: closing batch body: %w", err)
	}

	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// writeInnerRequest serializes op as an HTTP/1.1 request message.
func writeInnerRequest(w io.Writer, basePath string, op BatchOperation) error {
	target := op.Path
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	target = basePath + target
	if len(op.Query) > 0 {
		target += "?" + op.Query.Encode()
	}

	var b strings.Builder

	b.WriteString(op.Method + " " + target + " HTTP/1.1\r\n")

	for k, vs := range op.Header {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}

	if len(op.Body) > 0 {
		ct := op.ContentType
		if ct == "" {
			ct = "application/json"
		}

		b.WriteString("Content-Type: " + ct + "\r\n")
		b.WriteString("Content-Length: " + strconv.Itoa(len(op.Body)) + "\r\n")
	}

	b.WriteString("\r\n")

	if _, err := w.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("cloudapi: writing batch part: %w", err)
	}

	if len(op.Body) > 0 {
		if _, err := w.Write(op.Body); err != nil {
			return fmt.Errorf("cloudapi: writing batch part body: %w", err)
		}
	}

	return nil
}
