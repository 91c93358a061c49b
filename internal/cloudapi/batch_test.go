package cloudapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type innerRequest struct {
	ID     string
	Method string
	Target string
	Body   string
}

type innerResponse struct {
	Status int
	Body   string
}

// batchServer decodes batch submissions and answers each part via respond.
type batchServer struct {
	t       *testing.T
	respond func(req innerRequest) innerResponse
	// skip omits response parts for these ids.
	skip map[string]bool

	mu          sync.Mutex
	submissions [][]innerRequest
}

func (b *batchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(b.t, http.MethodPost, r.Method)
	assert.Equal(b.t, "/storage/v1/batch", r.URL.Path)
	assert.Equal(b.t, "Bearer test-token", r.Header.Get("Authorization"))

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(b.t, err)
	assert.Equal(b.t, "multipart/mixed", mediaType)

	var reqs []innerRequest

	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(b.t, err)
		assert.Equal(b.t, "application/http", part.Header.Get("Content-Type"))

		inner, err := http.ReadRequest(bufio.NewReader(part))
		require.NoError(b.t, err)

		body, _ := io.ReadAll(inner.Body)
		reqs = append(reqs, innerRequest{
			ID:     contentIDToOperationID(part.Header.Get("Content-ID")),
			Method: inner.Method,
			Target: inner.RequestURI,
			Body:   string(body),
		})
	}

	b.mu.Lock()
	b.submissions = append(b.submissions, reqs)
	b.mu.Unlock()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, req := range reqs {
		if b.skip[req.ID] {
			continue
		}

		res := b.respond(req)

		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", "<response-"+req.ID+">")

		pw, err := mw.CreatePart(h)
		require.NoError(b.t, err)

		fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
			res.Status, http.StatusText(res.Status), len(res.Body), res.Body)
	}

	require.NoError(b.t, mw.Close())

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	_, _ = w.Write(buf.Bytes())
}

func (b *batchServer) sizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, len(b.submissions))
	for i, s := range b.submissions {
		out[i] = len(s)
	}

	return out
}

func echoIDs(req innerRequest) innerResponse {
	return innerResponse{Status: http.StatusOK, Body: `{"id":"` + req.ID + `"}`}
}

type object struct {
	ID string `json:"id"`
}

func getOps(n int) []BatchOperation {
	ops := make([]BatchOperation, n)
	for i := range ops {
		ops[i] = BatchOperation{ID: "op-" + strconv.Itoa(i), Method: http.MethodGet, Path: "/b/bucket/o/" + strconv.Itoa(i)}
	}

	return ops
}

func TestExecuteBatch_EmptyMakesNoRequest(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs}
	client, _ := newTestClient(t, srv)

	results, err := client.ExecuteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, results.Len())
	assert.Empty(t, srv.sizes())
}

func TestExecuteBatch_InnerRequestShape(t *testing.T) {
	var seen []innerRequest

	srv := &batchServer{t: t, respond: func(req innerRequest) innerResponse {
		seen = append(seen, req)
		return echoIDs(req)
	}}
	client, _ := newTestClient(t, srv)

	ops := []BatchOperation{
		{ID: "a", Method: http.MethodGet, Path: "/b/bkt/o/x", Query: map[string][]string{"fields": {"name"}}},
		{ID: "b", Method: http.MethodPatch, Path: "b/bkt/o/y", Body: []byte(`{"k":"v"}`)},
	}

	_, err := client.ExecuteBatch(context.Background(), ops)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, innerRequest{ID: "a", Method: "GET", Target: "/storage/v1/b/bkt/o/x?fields=name"}, seen[0])
	assert.Equal(t, innerRequest{ID: "b", Method: "PATCH", Target: "/storage/v1/b/bkt/o/y", Body: `{"k":"v"}`}, seen[1])
}

func TestExecuteBatch_Bijection(t *testing.T) {
	srv := &batchServer{t: t, respond: func(req innerRequest) innerResponse {
		switch req.ID {
		case "op-1":
			return innerResponse{Status: http.StatusNotFound, Body: `{"error":{"code":404,"message":"Not Found","errors":[{"reason":"notFound"}]}}`}
		case "op-2":
			return innerResponse{Status: http.StatusOK, Body: `not json`}
		default:
			return echoIDs(req)
		}
	}}
	client, _ := newTestClient(t, srv)

	ops := getOps(5)
	for i := range ops {
		ops[i].Decode = ExpectJSON[object]()
	}

	results, err := client.ExecuteBatch(context.Background(), ops)
	require.NoError(t, err)

	assert.Equal(t, 5, results.Len())
	assert.Equal(t, []string{"op-0", "op-1", "op-2", "op-3", "op-4"}, results.IDs())

	v, err := results.Get("op-0")
	require.NoError(t, err)
	assert.Equal(t, object{ID: "op-0"}, v)

	notFound := results.Failures["op-1"]
	require.NotNil(t, notFound)
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
	assert.Equal(t, "Not Found", notFound.Message)
	assert.Len(t, notFound.Details, 1)
	assert.ErrorIs(t, notFound, ErrNotFound)

	badDecode := results.Failures["op-2"]
	require.NotNil(t, badDecode)
	assert.Equal(t, http.StatusOK, badDecode.StatusCode)
	assert.ErrorIs(t, badDecode, ErrInvalidData)
}

func TestExecuteBatch_MissingPartsBecomeFailures(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs, skip: map[string]bool{"op-1": true}}
	client, _ := newTestClient(t, srv)

	results, err := client.ExecuteBatch(context.Background(), getOps(3))
	require.NoError(t, err)

	assert.Equal(t, 3, results.Len())
	assert.Len(t, results.Successes, 2)

	_, err = results.Get("op-1")
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestExecuteBatch_ChunksSequentially(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs}
	client, _ := newTestClient(t, srv)

	results, err := client.ExecuteBatch(context.Background(), getOps(250))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 50}, srv.sizes())
	assert.Equal(t, 250, results.Len())
	assert.Len(t, results.Successes, 250)
}

func TestExecuteBatch_ConfiguredMaximum(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs}
	client, _ := newTestClient(t, srv, func(c *Config) { c.MaxBatchOperations = 2 })

	_, err := client.ExecuteBatch(context.Background(), getOps(5))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, srv.sizes())
}

func TestExecuteBatch_AssignsMissingIDs(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs}
	client, _ := newTestClient(t, srv)

	results, err := client.ExecuteBatch(context.Background(), []BatchOperation{{Path: "/a"}, {Path: "/b"}})
	require.NoError(t, err)
	assert.Len(t, results.Successes, 2)
}

func TestExecuteBatch_DuplicateIDs(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs}
	client, _ := newTestClient(t, srv)

	_, err := client.ExecuteBatch(context.Background(), []BatchOperation{{ID: "x"}, {ID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.Empty(t, srv.sizes())
}

func TestExecuteBatch_SubmissionFailureAborts(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.ExecuteBatch(context.Background(), getOps(2))
	assert.ErrorIs(t, err, ErrServerError)
}

func TestExecuteBatch_NonMultipartResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := client.ExecuteBatch(context.Background(), getOps(1))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestExecuteBatch_DefaultDecodeKeepsRawJSON(t *testing.T) {
	srv := &batchServer{t: t, respond: echoIDs}
	client, _ := newTestClient(t, srv)

	results, err := client.ExecuteBatch(context.Background(), getOps(1))
	require.NoError(t, err)

	v, err := results.Get("op-0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"op-0"}`, string(v.(json.RawMessage)))
}

func TestExecuteBatch_HeterogeneousDecoders(t *testing.T) {
	srv := &batchServer{t: t, respond: func(req innerRequest) innerResponse {
		if req.ID == "count" {
			return innerResponse{Status: http.StatusOK, Body: `42`}
		}

		return echoIDs(req)
	}}
	client, _ := newTestClient(t, srv)

	results, err := client.ExecuteBatch(context.Background(), []BatchOperation{
		{ID: "obj", Path: "/o", Decode: ExpectJSON[object]()},
		{ID: "count", Path: "/count", Decode: ExpectJSON[int]()},
		{ID: "boom", Path: "/p", Decode: func([]byte) (any, error) { panic("decoder bug") }},
	})
	require.NoError(t, err)

	assert.Equal(t, object{ID: "obj"}, results.Successes["obj"])
	assert.Equal(t, 42, results.Successes["count"])
	assert.ErrorIs(t, results.Failures["boom"], ErrInvalidData)
}

func TestExecuteBatchAs(t *testing.T) {
	srv := &batchServer{t: t, respond: func(req innerRequest) innerResponse {
		if req.ID == "op-2" {
			return innerResponse{Status: http.StatusForbidden, Body: `{"error":{"message":"denied"}}`}
		}

		return echoIDs(req)
	}}
	client, _ := newTestClient(t, srv)

	results, err := ExecuteBatchAs[object](context.Background(), client, getOps(3))
	require.NoError(t, err)

	assert.Equal(t, object{ID: "op-0"}, results.Successes["op-0"])
	assert.Equal(t, object{ID: "op-1"}, results.Successes["op-1"])
	require.Contains(t, results.Failures, "op-2")
	assert.ErrorIs(t, results.Failures["op-2"], ErrForbidden)
	assert.Equal(t, "denied", results.Failures["op-2"].Message)
}

func TestContentIDToOperationID(t *testing.T) {
	tests := map[string]string{
		"<response-abc>": "abc",
		"<abc>":          "abc",
		"response-abc":   "abc",
		" <x-1> ":        "x-1",
	}

	for in, want := range tests {
		assert.Equal(t, want, contentIDToOperationID(in), in)
	}
}
