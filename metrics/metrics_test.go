package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Lifecycle(t *testing.T) {
	m := New(nil)
	m.RecordStart("echo")
	m.RecordStart("echo")
	m.RecordCrash("echo")
	m.RecordRestart("echo")
	m.SetUp("echo", true)

	body := scrape(t, m)
	assert.Contains(t, body, `toolproxy_backend_starts_total{backend="echo"} 2`)
	assert.Contains(t, body, `toolproxy_backend_crashes_total{backend="echo"} 1`)
	assert.Contains(t, body, `toolproxy_backend_restarts_total{backend="echo"} 1`)
	assert.Contains(t, body, `toolproxy_backend_up{backend="echo"} 1`)

	m.Forget("echo")
	assert.NotContains(t, scrape(t, m), `backend="echo"`)
}

func TestMetrics_ObserveRequest(t *testing.T) {
	m := New(nil)
	m.ObserveRequest("svc", http.StatusOK, 10*time.Millisecond)
	m.ObserveRequest("", http.StatusNotFound, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `toolproxy_proxy_requests_total{code="200",service="svc"} 1`)
	assert.Contains(t, body, `toolproxy_proxy_requests_total{code="404",service="none"} 1`)
	assert.Contains(t, body, `toolproxy_proxy_request_duration_seconds_count{service="svc"} 1`)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.RecordStart("echo")

	assert.True(t, strings.Contains(scrape(t, m), `toolproxy_backend_starts_total{backend="echo"} 1`))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordStart("x")
	m.RecordCrash("x")
	m.SetUp("x", true)
	m.ObserveRequest("x", 200, time.Second)
	m.SSEOpened("x")
	m.Forget("x")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
