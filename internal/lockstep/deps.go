package lockstep

import (
	"time"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
)

// Simulation is the collaborating simulation layer.
//
// ExecControl and ExecSingle are only called from the goroutine that drives
// the engine (Execute, Control, Deliver). ControlTick, Running and
// PreExecute are also called from the network goroutine while a completion
// check runs, so they must be safe for concurrent use.
type Simulation interface {
	// ControlTick is the control tick the simulation executes next.
	ControlTick() control.Tick
	// Running reports whether the simulation is advancing; readiness
	// wake-ups are only signalled while it is.
	Running() bool
	ExecControl(ctrl control.Control)
	ExecSingle(cmd control.Command)
	// PreExecute reports whether ctrl can be executed now, e.g. all
	// referenced resources are loaded. A false result defers readiness.
	PreExecute(ctrl control.Control) bool
}

// Transport is the message-oriented connection layer. Sends are
// fire-and-forget; errors are logged by the engine and recovered through
// control requests.
type Transport interface {
	Broadcast(msg proto.Message) error
	SendToHost(msg proto.Message) error
	SendTo(id control.ClientID, msg proto.Message) error
	// IsFrozen reports whether the session is at a safe point where
	// immediate execution is consistent across nodes.
	IsFrozen() bool
	// RequestSyncPoint asks the transport to reach a safe point; the host
	// then calls Network.ExecSyncControl.
	RequestSyncPoint()
}

// ClientInfo is one entry of the authoritative roster.
type ClientInfo struct {
	ID   control.ClientID
	Name string
}

// Roster lists the activated clients of the session.
type Roster interface {
	ActiveClients() []ClientInfo
}

// PeerStats reports connection latency. ok is false when the peer is only
// reachable through a tunnel (no direct connection).
type PeerStats interface {
	PeerPing(id control.ClientID) (ping time.Duration, ok bool)
}

// Notifier surfaces short operator-visible messages.
type Notifier interface {
	Notify(message string)
}

// Recorder persists every merged control handed to the simulation.
type Recorder interface {
	Record(tick control.Tick, ctrl control.Control) error
}

// Deps carries the collaborators of a Network.
type Deps struct {
	Simulation Simulation
	Transport  Transport
	Roster     Roster
	Peers      PeerStats
	Notifier   Notifier
	Recorder   Recorder
	Clock      logging.Clock
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	Publisher  logging.Publisher
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = telemetry.Discard
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Roster == nil {
		d.Roster = staticRoster(nil)
	}
	if d.Transport == nil {
		d.Transport = offlineTransport{}
	}
	return d
}

// offlineTransport is used when the engine runs without peers.
type offlineTransport struct{}

func (offlineTransport) Broadcast(proto.Message) error                { return nil }
func (offlineTransport) SendToHost(proto.Message) error               { return nil }
func (offlineTransport) SendTo(control.ClientID, proto.Message) error { return nil }
func (offlineTransport) IsFrozen() bool                               { return false }
func (offlineTransport) RequestSyncPoint()                            {}

type staticRoster []ClientInfo

func (r staticRoster) ActiveClients() []ClientInfo {
	return append([]ClientInfo(nil), r...)
}

// StaticRoster returns a Roster that always reports clients.
func StaticRoster(clients ...ClientInfo) Roster {
	return staticRoster(append([]ClientInfo(nil), clients...))
}
