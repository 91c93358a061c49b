package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.TokenExchange(true)
		m.TokenCacheHit()
		m.BatchRequest(false)
		m.BatchOperations(1, 2)
		m.StreamFrame("sse")
		m.UploadBytes(10)
		m.PollAttempt("until")
		m.WorkItem(true)
		m.RequestDuration("GET", time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.TokenExchange(true)
	m.TokenExchange(true)
	m.TokenExchange(false)
	m.BatchOperations(3, 1)
	m.StreamFrame("ndjson")
	m.UploadBytes(256)
	m.UploadBytes(-1)

	assert.InDelta(t, 2, testutil.ToFloat64(m.tokenExchanges.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.tokenExchanges.WithLabelValues(OutcomeFailure)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.batchOperations.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.streamFrames.WithLabelValues("ndjson")), 0)
	assert.InDelta(t, 256, testutil.ToFloat64(m.uploadBytes), 0)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRequestDurationHistogram(t *testing.T) {
	m := New()

	m.RequestDuration("GET", 20*time.Millisecond)
	m.RequestDuration("GET", 3*time.Second)
	m.RequestDuration("PUT", time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "cloudlink_request_duration_seconds" {
			family = f
		}
	}

	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_HISTOGRAM, family.GetType())

	counts := make(map[string]uint64)
	for _, metric := range family.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "method" {
				counts[label.GetValue()] = metric.GetHistogram().GetSampleCount()
			}
		}
	}

	assert.Equal(t, map[string]uint64{"GET": 2, "PUT": 1}, counts)
}
