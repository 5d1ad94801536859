package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterIsIdempotentByName(t *testing.T) {
	r := New()
	c1 := r.Counter("wellmonitor_readings_total", "total readings", "status")
	c2 := r.Counter("wellmonitor_readings_total", "total readings", "status")
	if c1 != c2 {
		t.Fatalf("expected the same CounterVec instance for the same name")
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	r := New()
	r.Counter("wellmonitor_test_total", "test counter").WithLabelValues().Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, req)

	if !strings.Contains(rr.Body.String(), "wellmonitor_test_total") {
		t.Fatalf("expected metrics output to contain registered counter, got:\n%s", rr.Body.String())
	}
}
