package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/lockstep"
	"lockstep-net/server/internal/observability"
	"lockstep-net/server/internal/sim"
	"lockstep-net/server/logging"
)

type staticStats lockstep.Stats

func (s staticStats) Stats() lockstep.Stats { return lockstep.Stats(s) }

type staticWorld sim.Snapshot

func (w staticWorld) Snapshot() sim.Snapshot { return sim.Snapshot(w) }

type stubPeers struct {
	ids     []control.ClientID
	handled int
}

func (p *stubPeers) Handle(w http.ResponseWriter, r *http.Request) {
	p.handled++
	w.WriteHeader(http.StatusTeapot)
}

func (p *stubPeers) Peers() []control.ClientID { return p.ids }

func TestHealth(t *testing.T) {
	handler := NewHTTPHandler(staticStats{}, nil, nil, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.Code, resp.Body.String())
	}
}

func TestDiagnosticsReportsEngineState(t *testing.T) {
	metrics := logging.NewMetrics()
	metrics.TelemetryStore("lockstep_control_ready_tick", 41)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	peers := &stubPeers{ids: []control.ClientID{1, 2}}

	handler := NewHTTPHandler(
		staticStats{SessionID: "s-1", ReadyTick: 41, Mode: "central", Host: true},
		staticWorld{Tick: 42, Hash: "abcd"},
		peers,
		HTTPHandlerConfig{Metrics: metrics, Clock: logging.ClockFunc(func() time.Time { return fixed })},
	)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}

	var payload struct {
		Status     string            `json:"status"`
		ServerTime int64             `json:"serverTime"`
		Lockstep   lockstep.Stats    `json:"lockstep"`
		World      *sim.Snapshot     `json:"world"`
		Peers      []int32           `json:"peers"`
		Telemetry  map[string]uint64 `json:"telemetry"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload.Status != "ok" || payload.ServerTime != fixed.UnixMilli() {
		t.Fatalf("unexpected header fields: %+v", payload)
	}
	if payload.Lockstep.SessionID != "s-1" || payload.Lockstep.ReadyTick != 41 || !payload.Lockstep.Host {
		t.Fatalf("unexpected lockstep stats: %+v", payload.Lockstep)
	}
	if payload.World == nil || payload.World.Tick != 42 || payload.World.Hash != "abcd" {
		t.Fatalf("unexpected world snapshot: %+v", payload.World)
	}
	if len(payload.Peers) != 2 || payload.Peers[1] != 2 {
		t.Fatalf("unexpected peers: %v", payload.Peers)
	}
	if payload.Telemetry["lockstep_control_ready_tick"] != 41 {
		t.Fatalf("expected telemetry to be included, got %v", payload.Telemetry)
	}
}

func TestPeerEndpointIsMounted(t *testing.T) {
	peers := &stubPeers{}
	handler := NewHTTPHandler(staticStats{}, nil, peers, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ws?id=3", nil))
	if resp.Code != http.StatusTeapot || peers.handled != 1 {
		t.Fatalf("expected the peer endpoint to handle /ws, got %d", resp.Code)
	}
}

func TestPprofIsOptIn(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		handler := NewHTTPHandler(staticStats{}, nil, nil, HTTPHandlerConfig{
			Observability: observability.Config{EnablePprof: enabled},
		})
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		if enabled && resp.Code != http.StatusOK {
			t.Fatalf("expected pprof index when enabled, got %d", resp.Code)
		}
		if !enabled && resp.Code != http.StatusNotFound {
			t.Fatalf("expected 404 when pprof disabled, got %d", resp.Code)
		}
	}
}
