package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- RPC metrics ---

func TestRecordRPC(t *testing.T) {
	before := getCounterValue(t, metrics.RPCRequestsTotal, "doc.read", "ok")
	beforeHist := getHistogramCount(t, metrics.RPCRequestDuration, "doc.read")

	metrics.RecordRPC("doc.read", "ok", time.Now())

	after := getCounterValue(t, metrics.RPCRequestsTotal, "doc.read", "ok")
	afterHist := getHistogramCount(t, metrics.RPCRequestDuration, "doc.read")

	assert.Equal(t, float64(1), after-before)
	assert.Equal(t, uint64(1), afterHist-beforeHist)
}

// --- HTTP middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/static")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/static")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// Session creation path is kept as-is.
	beforeSessions := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/v1/sessions", "200")
	req, _ := http.NewRequest("POST", server.URL+"/v1/sessions", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterSessions := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/v1/sessions", "200")
	assert.Equal(t, float64(1), afterSessions-beforeSessions)

	// WebSocket upgrade paths are grouped by their fixed prefix.
	beforeWS := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/v1/ws/:session_id", "200")
	resp, err = http.Get(server.URL + "/v1/ws/abc-123")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterWS := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/v1/ws/:session_id", "200")
	assert.Equal(t, float64(1), afterWS-beforeWS)

	// /metrics path is kept as-is.
	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// Everything else is grouped under /static.
	beforeStatic := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	resp, err = http.Get(server.URL + "/assets/bundle.js")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterStatic := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	assert.Equal(t, float64(1), afterStatic-beforeStatic)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Gauge tests ---

func TestActiveSessionsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveSessions)
	metrics.ActiveSessions.Inc()
	after := getGaugeValue(t, metrics.ActiveSessions)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveSessions.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveSessions)
	assert.Equal(t, before, afterDec)
}

func TestActiveLeasesGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveLeases)
	metrics.ActiveLeases.Inc()
	after := getGaugeValue(t, metrics.ActiveLeases)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveLeases.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveLeases)
	assert.Equal(t, before, afterDec)
}

func TestSequenceGapCounter(t *testing.T) {
	before := getCounterValue(t, metrics.SequenceGapTotal, "doc-1")
	metrics.SequenceGapTotal.WithLabelValues("doc-1").Inc()
	after := getCounterValue(t, metrics.SequenceGapTotal, "doc-1")
	assert.Equal(t, float64(1), after-before)
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
