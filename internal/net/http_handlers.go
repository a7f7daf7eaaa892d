package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/lockstep"
	"lockstep-net/server/internal/observability"
	"lockstep-net/server/internal/sim"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
)

// StatsSource reports the lockstep engine state.
type StatsSource interface {
	Stats() lockstep.Stats
}

// WorldSource reports the simulation state.
type WorldSource interface {
	Snapshot() sim.Snapshot
}

// PeerEndpoint accepts peer websocket connections.
type PeerEndpoint interface {
	Handle(w nethttp.ResponseWriter, r *nethttp.Request)
	Peers() []control.ClientID
}

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	Clock         logging.Clock
	Metrics       *logging.Metrics
	Router        *logging.Router
}

type diagnosticsPayload struct {
	Status     string               `json:"status"`
	ServerTime int64                `json:"serverTime"`
	Lockstep   lockstep.Stats       `json:"lockstep"`
	World      *sim.Snapshot        `json:"world,omitempty"`
	Peers      []control.ClientID   `json:"peers"`
	Telemetry  map[string]uint64    `json:"telemetry,omitempty"`
	Logging    *logging.RouterStats `json:"logging,omitempty"`
}

// NewHTTPHandler serves /health, /diagnostics and the peer endpoint /ws.
// world may be nil on relay-only nodes.
func NewHTTPHandler(stats StatsSource, world WorldSource, peers PeerEndpoint, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := diagnosticsPayload{
			Status:     "ok",
			ServerTime: clock.Now().UnixMilli(),
			Lockstep:   stats.Stats(),
			Peers:      []control.ClientID{},
		}
		if world != nil {
			snapshot := world.Snapshot()
			payload.World = &snapshot
		}
		if peers != nil {
			payload.Peers = peers.Peers()
		}
		if cfg.Metrics != nil {
			payload.Telemetry = cfg.Metrics.Snapshot()
		}
		if cfg.Router != nil {
			routerStats := cfg.Router.Stats()
			payload.Logging = &routerStats
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("failed to encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if peers != nil {
		mux.HandleFunc("/ws", peers.Handle)
	}

	if cfg.Observability.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
