// Package statusserver exposes the local read-only status endpoint
// (spec.md §9 design note, SPEC_FULL.md §6): GET /healthz, GET /status,
// and GET /metrics. It never accepts writes and never touches the Relay
// Driver, adapted from the teacher engine's telemetry/health probe model.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/metrics"
	"github.com/wellmonitor/agent/internal/model"
)

// Probe mirrors the teacher's health.Probe capability: one named
// subsystem check, reported in /healthz.
type Probe interface {
	Check(ctx context.Context) ProbeResult
}

// ProbeFunc adapts a function to a Probe.
type ProbeFunc func(ctx context.Context) ProbeResult

func (f ProbeFunc) Check(ctx context.Context) ProbeResult { return f(ctx) }

// ProbeResult is one subsystem's health evaluation.
type ProbeResult struct {
	Name   string `json:"name"`
	Healthy bool  `json:"healthy"`
	Detail string `json:"detail,omitempty"`
}

// healthzResponse is /healthz's body: overall plus per-probe detail.
type healthzResponse struct {
	Overall string        `json:"overall"`
	Probes  []ProbeResult `json:"probes"`
}

// statusResponse is /status's body: latest Reading plus Classifier state.
type statusResponse struct {
	State       string         `json:"state"`
	LastReading *model.Reading `json:"lastReading,omitempty"`
}

// Server owns the http.Server and the read-only handlers. It holds no
// reference to the Relay Driver or Config Store's Apply path: this
// surface is intentionally incapable of mutating anything (Non-goal).
type Server struct {
	httpServer *http.Server
	probes     []Probe
	latest     func() (model.Reading, bool)
	fsmSnap    func() classifier.Snapshot
}

// New constructs a Server bound to addr (not yet listening). metrics may
// be nil, in which case /metrics reports 404.
func New(addr string, reg *metrics.Registry, latest func() (model.Reading, bool), fsmSnap func() classifier.Snapshot, probes ...Probe) *Server {
	s := &Server{probes: probes, latest: latest, fsmSnap: fsmSnap}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start begins serving in a background goroutine. Bind errors other than
// a clean shutdown are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	results := make([]ProbeResult, 0, len(s.probes))
	overall := "healthy"
	for _, p := range s.probes {
		pr := p.Check(r.Context())
		results = append(results, pr)
		if !pr.Healthy {
			overall = "unhealthy"
		}
	}
	writeJSON(w, http.StatusOK, healthzResponse{Overall: overall, Probes: results})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{State: "unknown"}
	if s.fsmSnap != nil {
		resp.State = s.fsmSnap().State.String()
	}
	if s.latest != nil {
		if reading, ok := s.latest(); ok {
			resp.LastReading = &reading
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
