package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")

	c.ObserveAttempt("recognition", "retryable_status", 10*time.Millisecond)
	c.ObserveAttempt("recognition", "retryable_status", 10*time.Millisecond)
	c.ObserveAttempt("recognition", "success", 10*time.Millisecond)
	c.ObserveGate("pass")
	c.ObserveOutcome("success")
	c.AddDroppedItems(2)
	c.AddDroppedItems(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.UpstreamAttempts.WithLabelValues("recognition", "retryable_status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.UpstreamAttempts.WithLabelValues("recognition", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.GateDecisions.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Outcomes.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.DroppedItems))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")

	a.ObserveGate("reject")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.GateDecisions.WithLabelValues("reject")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.GateDecisions.WithLabelValues("reject")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.ObserveHTTP("GET", "/health", "200", time.Millisecond)
		c.ObserveAttempt("gate", "success", time.Millisecond)
		c.ObserveGate("pass")
		c.ObserveOutcome("success")
		c.AddDroppedItems(1)
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("test")
	c.ObserveHTTP("POST", "/api/v1/ai/recognize-food", "200", 50*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}
