package cloudapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a test TokenSource that returns a fixed bearer token.
type staticToken string

func (t staticToken) AuthorizationHeader(context.Context) (string, error) {
	return "Bearer " + string(t), nil
}

// headerToken is a test TokenSource returning a complete header value.
type headerToken string

func (t headerToken) AuthorizationHeader(context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) AuthorizationHeader(context.Context) (string, error) {
	return "", errors.New("token unavailable")
}

func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*Config)) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL + "/storage/v1", HTTPClient: srv.Client()}
	for _, m := range mutate {
		m(&cfg)
	}

	return NewClient(cfg, staticToken("test-token"), nil), srv
}

func TestDo_SendsBearerAndUserAgent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "/storage/v1/b/bucket", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"bucket"}`))
	}))

	resp, err := client.Do(context.Background(), http.MethodGet, "/b/bucket", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"bucket"}`, string(body))
}

func TestDo_JSONContentTypeForBodies(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))

	resp, err := client.Do(context.Background(), http.MethodPost, "b", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusGone, ErrGone},
		{http.StatusPreconditionFailed, ErrPreconditionFailed},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusServiceUnavailable, ErrServerError},
		{http.StatusTeapot, ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("X-Request-Id", "req-1")
				w.WriteHeader(tt.status)
			}))

			_, err := client.Do(context.Background(), http.MethodGet, "/x", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "req-1", apiErr.RequestID)
		})
	}
}

func TestDo_ReasonFromErrorPayload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"No such object: b/o"}}`))
	}))

	_, err := client.Do(context.Background(), http.MethodGet, "/b/b/o/o", nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "No such object: b/o", apiErr.Reason)
	assert.Contains(t, apiErr.Body, "No such object")
}

func TestDo_NoAutomaticRetry(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.Do(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ConnectionFailed(t *testing.T) {
	client, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close()

	_, err := client.Do(context.Background(), http.MethodGet, "/x", nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestDo_UsesTokenTypeFromSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "MAC opaque-value", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()}, headerToken("MAC opaque-value"), nil)

	resp, err := client.Do(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_TokenError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL}, failingToken{}, nil)

	_, err := client.Do(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token unavailable")
}

func TestDo_AbsoluteURLUsedAsIs(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/elsewhere", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := client.Do(context.Background(), http.MethodGet, srv.URL+"/elsewhere", nil)
	require.NoError(t, err)
	resp.Body.Close()
}
