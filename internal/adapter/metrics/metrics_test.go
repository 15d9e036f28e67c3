package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamux/ollamux/internal/core/domain"
)

func TestRegistry_BreakerStateGaugeAndTransitions(t *testing.T) {
	r := New()
	key := domain.ModelBreakerKey("gpu-01", "llama3:8b")

	r.SetBreakerState(key, "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues(key.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerTransitions.WithLabelValues(key.String(), "open")))

	// same state again is not a transition
	r.SetBreakerState(key, "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerTransitions.WithLabelValues(key.String(), "open")))

	r.SetBreakerState(key, "half-open")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState.WithLabelValues(key.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerTransitions.WithLabelValues(key.String(), "half-open")))
}

func TestRegistry_CountersAndGauges(t *testing.T) {
	r := New()

	r.ObserveHTTP("/api/generate", 200, 120*time.Millisecond)
	r.ObserveUpstreamAttempt("gpu-01", "success", 80*time.Millisecond)
	r.RecordModelRequest("llama3:8b", "success")
	r.RecordQueueRejection("full")
	r.SetQueueDepth(7)
	r.SetInFlight("gpu-01", 3)
	r.SetServerHealth("gpu-01", true)
	r.RecordFailoverExhausted("llama3:8b")
	r.RecordRecoveryProbe("success")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequestsTotal.WithLabelValues("/api/generate", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.upstreamAttempts.WithLabelValues("gpu-01", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.modelRequests.WithLabelValues("llama3:8b", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queueRejections.WithLabelValues("full")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.inFlight.WithLabelValues("gpu-01")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.serverHealth.WithLabelValues("gpu-01")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failoverExhausted.WithLabelValues("llama3:8b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recoveryProbes.WithLabelValues("success")))
}

func TestRegistry_HandlerServesExposition(t *testing.T) {
	r := New()
	r.SetBuildInfo("1.2.3")
	r.ObserveHTTP("/api/tags", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ollamux_build_info")
	assert.Contains(t, body, "ollamux_http_requests_total")
}

func TestRegistry_RemoveServerDropsSeries(t *testing.T) {
	r := New()
	r.SetServerHealth("gpu-01", true)
	r.SetInFlight("gpu-01", 2)

	r.RemoveServer("gpu-01")

	assert.Equal(t, 0, testutil.CollectAndCount(r.serverHealth))
	assert.Equal(t, 0, testutil.CollectAndCount(r.inFlight))
}
