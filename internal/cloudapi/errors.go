// Package cloudapi is an authenticated transport for Google-style cloud
// REST APIs: plain requests, multipart/mixed batches, streaming responses
// (raw, SSE, NDJSON), resumable uploads, and push notifications.
package cloudapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, cloudapi.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("cloudapi: bad request")
	ErrUnauthorized       = errors.New("cloudapi: unauthorized")
	ErrForbidden          = errors.New("cloudapi: forbidden")
	ErrNotFound           = errors.New("cloudapi: not found")
	ErrConflict           = errors.New("cloudapi: conflict")
	ErrGone               = errors.New("cloudapi: resource gone")
	ErrPreconditionFailed = errors.New("cloudapi: precondition failed")
	ErrThrottled          = errors.New("cloudapi: throttled")
	ErrServerError        = errors.New("cloudapi: server error")
	ErrUnexpectedStatus   = errors.New("cloudapi: unexpected status")
)

// Transport-level sentinels.
var (
	ErrConnectionFailed = errors.New("cloudapi: connection failed")
	ErrInvalidData      = errors.New("cloudapi: invalid data")
	ErrSessionClosed    = errors.New("cloudapi: upload session closed")
)

// APIError is a non-success HTTP response. Reason is the server's error
// message when the body carries one, otherwise the status text.
type APIError struct {
	StatusCode int
	Reason     string
	RequestID  string
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("cloudapi: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Reason)
	}

	return fmt.Sprintf("cloudapi: HTTP %d: %s", e.StatusCode, e.Reason)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		return ErrUnexpectedStatus
	}
}

// errorPayload is the JSON error envelope used by Google APIs.
type errorPayload struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Errors  []json.RawMessage `json:"errors"`
	} `json:"error"`
}

// parseErrorPayload extracts the message and detail entries from an error
// body. ok is false when body is not a recognizable error envelope.
func parseErrorPayload(body []byte) (message string, details []json.RawMessage, ok bool) {
	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", nil, false
	}

	if p.Error.Message == "" && len(p.Error.Errors) == 0 {
		return "", nil, false
	}

	return p.Error.Message, p.Error.Errors, true
}

// newAPIError builds an APIError from a status code, headers and body.
func newAPIError(code int, header http.Header, body []byte) *APIError {
	reason, _, ok := parseErrorPayload(body)
	if !ok || reason == "" {
		reason = http.StatusText(code)
	}

	if reason == "" {
		reason = fmt.Sprintf("status %d", code)
	}

	return &APIError{
		StatusCode: code,
		Reason:     reason,
		RequestID:  requestID(header),
		Body:       strings.TrimSpace(string(body)),
		Err:        classifyStatus(code),
	}
}

func requestID(h http.Header) string {
	if h == nil {
		return ""
	}

	if id := h.Get("X-Request-Id"); id != "" {
		return id
	}

	return h.Get("X-Goog-Request-Id")
}

// invalidData wraps ErrInvalidData with a formatted detail.
func invalidData(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidData, fmt.Sprintf(format, args...))
}
