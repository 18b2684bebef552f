package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_ObserveStream(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveStream(200, 3, 50*time.Millisecond, false)
	c.ObserveStream(200, 10, time.Second, true)
	c.ObserveStream(500, 4, time.Millisecond, false)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("200")); got != 2 {
		t.Errorf("requests{code=200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("500")); got != 1 {
		t.Errorf("requests{code=500} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.relayedBytes); got != 17 {
		t.Errorf("relayed bytes = %v, want 17", got)
	}
	if got := testutil.ToFloat64(c.clientDisconnects); got != 1 {
		t.Errorf("client disconnects = %v, want 1", got)
	}
}

func TestCollector_UpstreamError(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.UpstreamError(UpstreamTimeout)
	c.UpstreamError(UpstreamTimeout)
	c.UpstreamError(UpstreamUnreachable)

	if got := testutil.ToFloat64(c.upstreamErrors.WithLabelValues(UpstreamTimeout)); got != 2 {
		t.Errorf("upstream errors{timeout} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.upstreamErrors.WithLabelValues(UpstreamUnreachable)); got != 1 {
		t.Errorf("upstream errors{unreachable} = %v, want 1", got)
	}
}

func TestCollector_LogWrites(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.LogWriteStarted()
	c.LogWriteStarted()
	if got := testutil.ToFloat64(c.logWritesInFlight); got != 2 {
		t.Errorf("in flight = %v, want 2", got)
	}

	c.LogWriteFinished(time.Millisecond, nil)
	c.LogWriteFinished(time.Millisecond, errors.New("disk full"))

	if got := testutil.ToFloat64(c.logWritesInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.logWritesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("writes{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.logWritesTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("writes{error} = %v, want 1", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveStream(200, 1, time.Second, true)
	c.UpstreamError(UpstreamInterrupted)
	c.LogWriteStarted()
	c.LogWriteFinished(time.Second, nil)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveStream(200, 3, time.Millisecond, false)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `llm_proxier_proxy_requests_total{code="200"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing Go runtime collector")
	}
}
