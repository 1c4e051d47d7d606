package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveHTTP("/api/chat", http.MethodPost, 200, 10*time.Millisecond)
	c.ObserveHTTP("/api/chat", http.MethodPost, 200, 20*time.Millisecond)
	c.ObserveHTTP("", http.MethodGet, 404, time.Millisecond)
	c.ObserveUpstream("zai-org/GLM-4.6", OutcomeSuccess, time.Second)
	c.ObserveShape("body_messages")
	c.ObserveRejected("missing_prompt")

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("/api/chat", http.MethodPost, "200")); got != 2 {
		t.Fatalf("expected 2 chat requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("unmatched", http.MethodGet, "404")); got != 1 {
		t.Fatalf("expected unmatched route label, got %v", got)
	}
	if got := testutil.ToFloat64(c.upstreamRequests.WithLabelValues("zai-org/GLM-4.6", OutcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 upstream success, got %v", got)
	}
	if got := testutil.ToFloat64(c.requestShapes.WithLabelValues("body_messages")); got != 1 {
		t.Fatalf("expected 1 messages shape, got %v", got)
	}
	if got := testutil.ToFloat64(c.rejected.WithLabelValues("missing_prompt")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
}

func TestUpgradeHasNoLatencySample(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveUpgrade("/api/ws")

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("/api/ws", http.MethodGet, "101")); got != 1 {
		t.Fatalf("expected 1 upgrade, got %v", got)
	}
	if n := testutil.CollectAndCount(c.httpDuration); n != 0 {
		t.Fatalf("expected no duration series for upgrades, got %d", n)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveHTTP("/", http.MethodGet, 200, 0)
	c.ObserveUpgrade("/api/ws")
	c.ObserveUpstream("m", OutcomeError, 0)
	c.ObserveShape("none")
	c.ObserveRejected("timeout")
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveUpstream("moonshotai/Kimi-K2-Thinking", OutcomeTimeout, 2*time.Second)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `chatgate_upstream_requests_total{model="moonshotai/Kimi-K2-Thinking",outcome="timeout"} 1`) {
		t.Fatalf("expected upstream counter in exposition, got:\n%s", string(body))
	}
}
