package cloudapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// maxPartBody bounds a single inner response body.
const maxPartBody = 32 << 20

// parseBatchResponse reads a multipart/mixed batch response and records
// exactly one outcome for every operation in ops.
func (c *Client) parseBatchResponse(resp *http.Response, ops []BatchOperation) (*BatchResultSet, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, invalidData("batch response content type: %v", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, invalidData("batch response is %q, want multipart/mixed", mediaType)
	}

	byID := make(map[string]BatchOperation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	results := newBatchResultSet()
	mr := multipart.NewReader(resp.Body, params["boundary"])

	for {
		part, partErr := mr.NextPart()
		if errors.Is(partErr, io.EOF) {
			break
		}

		if partErr != nil {
			// The envelope is broken; whatever is missing is reported below.
			c.logger.Warn("batch response truncated", slog.String("error", partErr.Error()))
			break
		}

		id := contentIDToOperationID(part.Header.Get("Content-ID"))

		op, known := byID[id]
		if !known {
			c.logger.Warn("ignoring batch part with unknown content id", slog.String("content_id", id))
			_ = part.Close()

			continue
		}

		if _, dup := results.Successes[id]; dup {
			_ = part.Close()
			continue
		}

		if _, dup := results.Failures[id]; dup {
			_ = part.Close()
			continue
		}

		c.recordPart(results, op, part)
		_ = part.Close()
	}

	for _, op := range ops {
		if _, ok := results.Successes[op.ID]; ok {
			continue
		}

		if _, ok := results.Failures[op.ID]; ok {
			continue
		}

		results.Failures[op.ID] = &BatchOperationError{
			ID:      op.ID,
			Message: "no response part for operation",
			Err:     ErrInvalidData,
		}
	}

	return results, nil
}

// recordPart decodes one application/http part into a success or failure.
func (c *Client) recordPart(results *BatchResultSet, op BatchOperation, part *multipart.Part) {
	inner, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		results.Failures[op.ID] = &BatchOperationError{
			ID:      op.ID,
			Message: fmt.Sprintf("malformed response part: %v", err),
			Err:     ErrInvalidData,
		}

		return
	}
	defer inner.Body.Close()

	body, err := io.ReadAll(io.LimitReader(inner.Body, maxPartBody))
	if err != nil {
		results.Failures[op.ID] = &BatchOperationError{
			ID:         op.ID,
			StatusCode: inner.StatusCode,
			Message:    fmt.Sprintf("reading response part: %v", err),
			Err:        ErrInvalidData,
		}

		return
	}

	if inner.StatusCode < http.StatusOK || inner.StatusCode >= http.StatusMultipleChoices {
		results.Failures[op.ID] = operationFailure(op.ID, inner.StatusCode, body)
		return
	}

	value, err := decodePart(op, body)
	if err != nil {
		results.Failures[op.ID] = &BatchOperationError{
			ID:         op.ID,
			StatusCode: inner.StatusCode,
			Message:    fmt.Sprintf("decoding response: %v", err),
			Err:        ErrInvalidData,
		}

		return
	}

	results.Successes[op.ID] = value
}

// decodePart runs op.Decode, converting a panic into an error.
func decodePart(op BatchOperation, body []byte) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()

	if op.Decode == nil {
		return rawJSON(body), nil
	}

	return op.Decode(body)
}

func operationFailure(id string, code int, body []byte) *BatchOperationError {
	msg, details, ok := parseErrorPayload(body)
	if !ok || msg == "" {
		msg = http.StatusText(code)
	}

	return &BatchOperationError{
		ID:         id,
		StatusCode: code,
		Message:    msg,
		Details:    details,
		Err:        classifyStatus(code),
	}
}

// contentIDToOperationID strips angle brackets and the "response-" prefix
// servers add to echoed Content-IDs.
func contentIDToOperationID(contentID string) string {
	id := strings.TrimSpace(contentID)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")

	return strings.TrimPrefix(id, "response-")
}

func rawJSON(body []byte) json.RawMessage {
	return append(json.RawMessage(nil), body...)
}
