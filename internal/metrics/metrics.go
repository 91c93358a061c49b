// Package metrics records transport-level counters with Prometheus.
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudlink"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	tokenExchanges  *prometheus.CounterVec
	tokenCacheHits  prometheus.Counter
	batchRequests   *prometheus.CounterVec
	batchOperations *prometheus.CounterVec
	streamFrames    *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	pollAttempts    *prometheus.CounterVec
	workItems       *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Token endpoint round trips by outcome.",
		}, []string{"outcome"}),
		tokenCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_hits_total",
			Help:      "Token requests served from the in-memory cache.",
		}),
		batchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_requests_total",
			Help:      "Multipart batch submissions by outcome.",
		}, []string{"outcome"}),
		batchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_operations_total",
			Help:      "Individual batch operations by outcome.",
		}, []string{"outcome"}),
		streamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Decoded stream frames by decoder.",
		}, []string{"decoder"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted by resumable upload sessions.",
		}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Poll and watch fetches by loop.",
		}, []string{"loop"}),
		workItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_total",
			Help:      "Bounded-concurrency work items by final outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		m.tokenExchanges,
		m.tokenCacheHits,
		m.batchRequests,
		m.batchOperations,
		m.streamFrames,
		m.uploadBytes,
		m.pollAttempts,
		m.workItems,
		m.requestDuration,
	)

	return m
}

// Registry exposes the registry for serving or custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}

	return OutcomeFailure
}

// TokenExchange records one token endpoint round trip.
func (m *Metrics) TokenExchange(ok bool) {
	if m == nil {
		return
	}

	m.tokenExchanges.WithLabelValues(outcome(ok)).Inc()
}

// TokenCacheHit records a token served without a round trip.
func (m *Metrics) TokenCacheHit() {
	if m == nil {
		return
	}

	m.tokenCacheHits.Inc()
}

// BatchRequest records one multipart submission.
func (m *Metrics) BatchRequest(ok bool) {
	if m == nil {
		return
	}

	m.batchRequests.WithLabelValues(outcome(ok)).Inc()
}

// BatchOperations records per-operation outcomes of one batch.
func (m *Metrics) BatchOperations(succeeded, failed int) {
	if m == nil {
		return
	}

	m.batchOperations.WithLabelValues(OutcomeSuccess).Add(float64(succeeded))
	m.batchOperations.WithLabelValues(OutcomeFailure).Add(float64(failed))
}

// StreamFrame records one frame yielded by the named decoder.
func (m *Metrics) StreamFrame(decoder string) {
	if m == nil {
		return
	}

	m.streamFrames.WithLabelValues(decoder).Inc()
}

// UploadBytes records bytes accepted by the server.
func (m *Metrics) UploadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}

	m.uploadBytes.Add(float64(n))
}

// PollAttempt records one fetch by the named loop ("until" or "watch").
func (m *Metrics) PollAttempt(loop string) {
	if m == nil {
		return
	}

	m.pollAttempts.WithLabelValues(loop).Inc()
}

// WorkItem records the final outcome of one executor item.
func (m *Metrics) WorkItem(ok bool) {
	if m == nil {
		return
	}

	m.workItems.WithLabelValues(outcome(ok)).Inc()
}

// RequestDuration records the latency of one API request.
func (m *Metrics) RequestDuration(method string, d time.Duration) {
	if m == nil {
		return
	}

	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}
