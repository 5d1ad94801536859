package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/metrics"
	"github.com/wellmonitor/agent/internal/model"
)

func TestHealthzReportsProbeFailures(t *testing.T) {
	healthy := ProbeFunc(func(ctx context.Context) ProbeResult {
		return ProbeResult{Name: "camera", Healthy: true}
	})
	unhealthy := ProbeFunc(func(ctx context.Context) ProbeResult {
		return ProbeResult{Name: "relay", Healthy: false, Detail: "no response"}
	})
	s := New("", nil, nil, nil, healthy, unhealthy)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.handleHealthz(rr, req)

	var resp healthzResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Overall != "unhealthy" {
		t.Fatalf("overall = %q, want unhealthy", resp.Overall)
	}
	if len(resp.Probes) != 2 {
		t.Fatalf("expected 2 probe results, got %d", len(resp.Probes))
	}
}

func TestStatusReportsLatestReadingAndState(t *testing.T) {
	amp := 3.9
	latest := func() (model.Reading, bool) {
		return model.Reading{CurrentAmps: &amp, Status: model.StatusNormal}, true
	}
	fsm := classifier.New(classifier.Thresholds{DryThreshold: 3, RapidCycleThreshold: 3, PowerCycleProtection: 0, RapidCycleThresholdCount: 3})
	s := New("", nil, latest, fsm.Snapshot)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.handleStatus(rr, req)

	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.State != "Healthy" {
		t.Fatalf("state = %q, want Healthy", resp.State)
	}
	if resp.LastReading == nil || *resp.LastReading.CurrentAmps != amp {
		t.Fatalf("lastReading not populated: %+v", resp.LastReading)
	}
}

func TestMetricsHandlerServed(t *testing.T) {
	reg := metrics.New()
	reg.Counter("wellmonitor_test_total", "test counter").WithLabelValues()
	s := New("", reg, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
