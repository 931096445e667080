package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusExporter_Observe(t *testing.T) {
	exp := NewPrometheusExporter(PrometheusConfig{Simulation: "sim", RunID: "run-1"})
	c := NewCollector(WithSink(exp))

	c.RecordSample(Sample{Name: "home", Outcome: OutcomeOK, Status: 200, Latency: 20 * time.Millisecond, Bytes: 512})
	c.RecordSample(Sample{Name: "home", Outcome: OutcomeOK, Status: 200, Latency: 30 * time.Millisecond, Bytes: 512})
	c.RecordSample(Sample{Name: "home", Outcome: OutcomeConnectionError, Latency: time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(exp.RequestsTotal.WithLabelValues("home", "ok", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.RequestsTotal.WithLabelValues("home", "connection_error", "")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(exp.ResponseBytes.WithLabelValues("home")))

	exp.SetActiveUsers(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(exp.ActiveUsers))
}

func TestPrometheusExporter_Handler(t *testing.T) {
	exp := NewPrometheusExporter(DefaultPrometheusConfig())
	exp.Observe(Sample{Name: "request_0", Outcome: OutcomeOK, Status: 200, Latency: 5 * time.Millisecond})
	exp.UsersStarted.Inc()

	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `volley_requests_total{outcome="ok",request="request_0",status_code="200"} 1`), text)
	assert.Contains(t, text, "volley_request_duration_seconds_bucket")
	assert.Contains(t, text, "volley_users_started_total 1")
}
