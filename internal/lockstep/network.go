package lockstep

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/logging"
)

var (
	// ErrNoSimulation is returned by New when Deps.Simulation is nil.
	ErrNoSimulation = errors.New("lockstep: simulation is required")
	// ErrNotEnabled is returned when input arrives before Init or after Clear.
	ErrNotEnabled = errors.New("lockstep: engine not enabled")
	// ErrQueueDelivery is returned when a single command is submitted with
	// queue delivery; queued commands must travel through Input.
	ErrQueueDelivery = errors.New("lockstep: queue delivery requires a tick-stamped control")
)

const (
	metricReadyTick         = "lockstep_control_ready_tick"
	metricPacketsStored     = "lockstep_packets_stored"
	metricDuplicates        = "lockstep_duplicates_total"
	metricRequestsSent      = "lockstep_requests_sent_total"
	metricRequestsServed    = "lockstep_requests_served_total"
	metricRequestsLimited   = "lockstep_requests_limited_total"
	metricSyncInconsistency = "lockstep_sync_inconsistency_total"
	metricPreSend           = "lockstep_presend"
	metricSendFailures      = "lockstep_send_failures_total"
	metricRejected          = "lockstep_rejected_submitter_total"
)

// Network is the lockstep control engine of one session. Lifecycle calls,
// Execute, Control, Input and Deliver belong to the simulation goroutine;
// HandleMessage belongs to the network goroutine. Engine state is guarded
// by mu, which is always taken before the store and registry locks. Sends
// are queued under mu and reach the transport only after it is released.
type Network struct {
	cfg       Config
	deps      Deps
	store     *PacketStore
	clients   *Registry
	inbox     *inbox
	ready     chan struct{}
	sessionID string
	pub       logging.Publisher

	mu          sync.Mutex
	enabled     bool
	running     bool
	activated   bool
	host        bool
	clientID    control.ClientID
	mode        Mode
	policy      modePolicy
	targetTick  control.Tick
	sent        control.Tick
	readyTick   control.Tick
	preSend     int32
	targetFPS   int32
	avgSendTime int64
	waitStart   time.Time
	nextRequest time.Time
	syncControl control.Control
	syncQueue   SyncQueue

	limitMu  sync.Mutex
	limiters map[control.ClientID]*rate.Limiter

	outbox   outbox
	flushing atomic.Bool
}

// New constructs a disabled engine. Call Init to start a session.
func New(cfg Config, deps Deps) (*Network, error) {
	if deps.Simulation == nil {
		return nil, ErrNoSimulation
	}
	deps = deps.withDefaults()
	cfg = cfg.normalized()
	sessionID := uuid.NewString()
	n := &Network{
		cfg:        cfg,
		deps:       deps,
		store:      NewPacketStore(),
		clients:    NewRegistry(),
		inbox:      newInbox(defaultInboxCapacity, deps.Metrics),
		ready:      make(chan struct{}, 1),
		sessionID:  sessionID,
		pub:        logging.WithTrace(deps.Publisher, sessionID),
		clientID:   control.Unknown,
		mode:       ModeCentral,
		policy:     policyFor(ModeCentral),
		targetTick: control.NoTick,
		preSend:    minPreSend,
		targetFPS:  cfg.TargetFPS,
		limiters:   make(map[control.ClientID]*rate.Limiter),
	}
	return n, nil
}

// SessionID identifies this engine instance in logs and diagnostics.
func (n *Network) SessionID() string {
	return n.sessionID
}

// Init starts a session. An enabled engine is cleared first. Packets that
// arrived before Init are kept.
func (n *Network) Init(clientID control.ClientID, host bool, startTick control.Tick, activated bool) {
	n.mu.Lock()
	wasEnabled := n.enabled
	n.unlock()
	if wasEnabled {
		n.Clear()
	}

	n.mu.Lock()
	defer n.unlock()
	n.clientID = clientID
	n.host = host
	n.sent = startTick - 1
	n.readyTick = startTick - 1
	n.activated = activated
	n.enabled = true
	n.running = false
	n.targetFPS = n.cfg.TargetFPS
	n.nextRequest = n.deps.Clock.Now().Add(n.cfg.RequestRetryInterval)
	n.deps.Metrics.Store(metricReadyTick, tickGauge(n.readyTick))

	// make sure no control has been lost
	n.sendLocked(routeBroadcast, proto.ControlRequest{FromTick: n.readyTick + 1})
	n.deps.Logger.Printf("lockstep: session %s started as client %d (host=%t, activated=%t) at tick %d", n.sessionID, clientID, host, activated, startTick)
}

// Clear ends the session and drops every packet, client and sync control.
// It may be called at any time, including from a different goroutine than
// an in-flight HandleMessage.
func (n *Network) Clear() {
	n.mu.Lock()
	defer n.unlock()
	n.enabled = false
	n.running = false
	n.avgSendTime = 0
	n.waitStart = time.Time{}
	n.store.Clear()
	n.clients.Clear()
	n.syncControl.Clear()
	n.syncQueue.Clear()
	n.inbox.drain()
	n.deps.Metrics.Store(metricPacketsStored, 0)

	n.limitMu.Lock()
	n.limiters = make(map[control.ClientID]*rate.Limiter)
	n.limitMu.Unlock()
}

// Enabled reports whether a session is active.
func (n *Network) Enabled() bool {
	n.mu.Lock()
	defer n.unlock()
	return n.enabled
}

// Running reports whether the roster is authoritative and packing runs.
func (n *Network) Running() bool {
	n.mu.Lock()
	defer n.unlock()
	return n.running
}

// SetRunning toggles packing. targetTick bounds how far the engine packs;
// control.NoTick removes the bound. Starting refreshes the roster.
func (n *Network) SetRunning(running bool, targetTick control.Tick) {
	n.mu.Lock()
	defer n.unlock()
	if !n.enabled {
		return
	}
	if n.running == running && n.targetTick == targetTick {
		return
	}
	n.targetTick = targetTick
	n.running = running
	if running {
		n.copyClientListLocked()
		n.checkCompleteLocked(false)
	}
}

// SetActivated toggles whether the local node contributes control. A node
// becoming active starts sending at the simulation's current control tick.
func (n *Network) SetActivated(activated bool) {
	n.mu.Lock()
	defer n.unlock()
	if n.activated == activated {
		return
	}
	n.activated = activated
	if activated {
		n.sent = n.deps.Simulation.ControlTick() - 1
	}
}

// Activated reports whether the local node contributes control.
func (n *Network) Activated() bool {
	n.mu.Lock()
	defer n.unlock()
	return n.activated
}

// SetMode switches topology. Switching to decentral re-broadcasts every own
// packet from the current tick on; a host switching to central re-broadcasts
// the merged packets.
func (n *Network) SetMode(mode Mode) {
	n.mu.Lock()
	defer n.unlock()
	if n.mode == mode {
		return
	}
	n.mode = mode
	n.policy = policyFor(mode)
	if !n.enabled {
		return
	}
	var owner control.ClientID
	switch {
	case n.policy.rebroadcastOwned:
		owner = n.clientID
	case n.policy.rebroadcastMerged && n.host:
		owner = control.AllClients
	default:
		return
	}
	for _, pkt := range n.store.Owned(owner, n.deps.Simulation.ControlTick()) {
		n.sendLocked(routeBroadcast, proto.FromPacket(pkt))
	}
}

// Mode returns the current topology.
func (n *Network) Mode() Mode {
	n.mu.Lock()
	defer n.unlock()
	return n.mode
}

// SetTargetFPS changes the frame rate PreSend is tuned for.
func (n *Network) SetTargetFPS(fps int32) {
	n.mu.Lock()
	defer n.unlock()
	n.targetFPS = fps
}

// Ready delivers a wake-up whenever a tick the simulation is waiting for
// becomes ready. At most one wake-up is pending at a time.
func (n *Network) Ready() <-chan struct{} {
	return n.ready
}

// Execute is called once per simulation frame. It handles messages staged
// by the network goroutine and, on control frames, records when the tick
// started waiting and runs due sync control.
func (n *Network) Execute(frame int64) {
	n.processInbox()
	if frame%int64(n.cfg.ControlRate) != 0 {
		return
	}
	n.mu.Lock()
	if !n.enabled {
		n.unlock()
		return
	}
	if n.waitStart.IsZero() {
		n.waitStart = n.deps.Clock.Now()
	}
	n.unlock()
	n.execQueuedSyncControl()
}

// ControlReady packs what it can and reports whether tick has merged,
// validated control. A sync directive for tick that arrived after the last
// Execute holds the tick back until the next Execute has queued it.
func (n *Network) ControlReady(tick control.Tick) bool {
	n.mu.Lock()
	defer n.unlock()
	n.checkCompleteLocked(false)
	return n.readyTick >= tick && !n.inbox.holdsSyncBy(tick)
}

// TryAdvance runs one completion pass and returns the ready watermark.
func (n *Network) TryAdvance() control.Tick {
	n.mu.Lock()
	defer n.unlock()
	n.checkCompleteLocked(false)
	return n.readyTick
}

// Control returns a copy of the merged control for tick and updates the
// latency statistics. The wait start is reset for the next tick.
func (n *Network) Control(tick control.Tick) (control.Control, bool) {
	n.mu.Lock()
	pkt, ok := n.store.Find(control.AllClients, tick)
	if !ok || n.readyTick < tick {
		n.unlock()
		return control.Control{}, false
	}
	ctrl := pkt.Control.Clone()
	n.calcPerformanceLocked(tick)
	n.waitStart = time.Time{}
	recorder := n.deps.Recorder
	n.unlock()

	if recorder != nil {
		if err := recorder.Record(tick, ctrl); err != nil {
			n.deps.Logger.Printf("lockstep: failed to record tick %d: %v", tick, err)
		}
	}
	return ctrl, true
}

// ControlNeeded reports whether the local node has to produce control at
// frame, given the PreSend look-ahead.
func (n *Network) ControlNeeded(frame int64) bool {
	n.mu.Lock()
	defer n.unlock()
	if !n.enabled || !n.activated {
		return false
	}
	sendFor := control.Tick((frame + int64(n.preSend)) / int64(n.cfg.ControlRate))
	if n.targetTick >= 0 && n.sent >= n.targetTick {
		return false
	}
	return sendFor > n.sent
}

// ReadyTick returns the control-ready watermark.
func (n *Network) ReadyTick() control.Tick {
	n.mu.Lock()
	defer n.unlock()
	return n.readyTick
}

// SentTick returns the last tick the local node produced control for.
func (n *Network) SentTick() control.Tick {
	n.mu.Lock()
	defer n.unlock()
	return n.sent
}

// PreSend returns the current look-ahead depth in frames.
func (n *Network) PreSend() int32 {
	n.mu.Lock()
	defer n.unlock()
	return n.preSend
}

// ClientReady reports whether client id delivered control for tick. Central
// non-hosts never see per-client packets and always report true.
func (n *Network) ClientReady(id control.ClientID, tick control.Tick) bool {
	n.mu.Lock()
	defer n.unlock()
	if n.policy.hostOnlyStats && !n.host {
		return true
	}
	return n.store.Has(id, tick)
}

// ClientPerfStat returns the scheduling delay average of client id in
// milliseconds, or 0 when unknown.
func (n *Network) ClientPerfStat(id control.ClientID) int32 {
	n.mu.Lock()
	defer n.unlock()
	if n.policy.hostOnlyStats && !n.host {
		return 0
	}
	client, ok := n.clients.Find(id)
	if !ok {
		return 0
	}
	return client.PerfStat()
}

// ClientNextControl returns the tick client id was expected to send from.
func (n *Network) ClientNextControl(id control.ClientID) control.Tick {
	client, ok := n.clients.Find(id)
	if !ok {
		return 0
	}
	return client.NextControl
}

// OnResourceComplete re-runs completion after a resource the simulation
// pre-validates against finished loading.
func (n *Network) OnResourceComplete() {
	n.mu.Lock()
	defer n.unlock()
	n.checkCompleteLocked(true)
}

// Stats is a diagnostic snapshot of the engine.
type Stats struct {
	SessionID    string        `json:"sessionId"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	Activated    bool          `json:"activated"`
	Host         bool          `json:"host"`
	ClientID     int32         `json:"clientId"`
	Mode         string        `json:"mode"`
	ReadyTick    int32         `json:"readyTick"`
	SentTick     int32         `json:"sentTick"`
	TargetTick   int32         `json:"targetTick"`
	PreSend      int32         `json:"preSend"`
	TargetFPS    int32         `json:"targetFps"`
	AvgSendTime  time.Duration `json:"avgSendTime"`
	Packets      int           `json:"packets"`
	Clients      []int32       `json:"clients"`
	SyncQueued   int           `json:"syncQueued"`
	SyncBuffered int           `json:"syncBuffered"`
	InboxPending int           `json:"inboxPending"`
	ReadyDigest  string        `json:"readyDigest,omitempty"`
}

// Stats returns a diagnostic snapshot.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.unlock()
	ids := n.clients.IDs()
	clients := make([]int32, len(ids))
	for i, id := range ids {
		clients[i] = int32(id)
	}
	stats := Stats{
		SessionID:    n.sessionID,
		Enabled:      n.enabled,
		Running:      n.running,
		Activated:    n.activated,
		Host:         n.host,
		ClientID:     int32(n.clientID),
		Mode:         n.mode.String(),
		ReadyTick:    int32(n.readyTick),
		SentTick:     int32(n.sent),
		TargetTick:   int32(n.targetTick),
		PreSend:      n.preSend,
		TargetFPS:    n.targetFPS,
		AvgSendTime:  time.Duration(n.avgSendTime) * time.Microsecond,
		Packets:      n.store.Len(),
		Clients:      clients,
		SyncQueued:   n.syncQueue.Len(),
		SyncBuffered: n.syncControl.Len(),
		InboxPending: n.inbox.len(),
	}
	if pkt, ok := n.store.Find(control.AllClients, n.readyTick); ok {
		stats.ReadyDigest = fmt.Sprintf("%x", pkt.Control.Digest()[:8])
	}
	return stats
}

// copyClientListLocked replaces the registry with the activated roster.
func (n *Network) copyClientListLocked() {
	n.clients.ReplaceAll(n.deps.Roster.ActiveClients(), n.deps.Simulation.ControlTick())
}

func (n *Network) signalReady() {
	select {
	case n.ready <- struct{}{}:
	default:
	}
}

func (n *Network) actorLocked() logging.EntityRef {
	kind := logging.EntityKindClient
	if n.host {
		kind = logging.EntityKindHost
	}
	return logging.EntityRef{ID: strconv.Itoa(int(n.clientID)), Kind: kind}
}

func (n *Network) eventTickLocked() uint64 {
	return tickGauge(n.readyTick)
}

func tickGauge(tick control.Tick) uint64 {
	if tick < 0 {
		return 0
	}
	return uint64(tick)
}
