package lockstep

import (
	"errors"
	"sync"
	"testing"
	"time"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
	"lockstep-net/server/logging/sinks"
)

type fakeSim struct {
	mu       sync.Mutex
	tick     control.Tick
	running  bool
	reject   bool
	controls []control.Control
	singles  []control.Command
}

func (s *fakeSim) ControlTick() control.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *fakeSim) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeSim) ExecControl(ctrl control.Control) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, ctrl.Clone())
}

func (s *fakeSim) ExecSingle(cmd control.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles = append(s.singles, cmd.Clone())
}

func (s *fakeSim) PreExecute(control.Control) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.reject
}

func (s *fakeSim) setTick(tick control.Tick) {
	s.mu.Lock()
	s.tick = tick
	s.mu.Unlock()
}

func (s *fakeSim) setReject(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

func (s *fakeSim) executedControls() []control.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control.Control(nil), s.controls...)
}

func (s *fakeSim) executedSingles() []control.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control.Command(nil), s.singles...)
}

type sentMessage struct {
	route string
	to    control.ClientID
	msg   proto.Message
}

type fakeTransport struct {
	mu           sync.Mutex
	sent         []sentMessage
	frozen       bool
	syncRequests int
	fail         error
}

func (t *fakeTransport) record(route string, to control.ClientID, msg proto.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.sent = append(t.sent, sentMessage{route: route, to: to, msg: msg})
	return nil
}

func (t *fakeTransport) Broadcast(msg proto.Message) error {
	return t.record("broadcast", control.AllClients, msg)
}

func (t *fakeTransport) SendToHost(msg proto.Message) error {
	return t.record("host", control.HostID, msg)
}

func (t *fakeTransport) SendTo(id control.ClientID, msg proto.Message) error {
	return t.record("direct", id, msg)
}

func (t *fakeTransport) IsFrozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}

func (t *fakeTransport) RequestSyncPoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncRequests++
}

func (t *fakeTransport) setFrozen(frozen bool) {
	t.mu.Lock()
	t.frozen = frozen
	t.mu.Unlock()
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}

// messages returns the recorded messages sent on route with the given kind.
func (t *fakeTransport) messages(route string, kind proto.Kind) []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentMessage
	for _, s := range t.sent {
		if s.route == route && s.msg.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

var errTransportDown = errors.New("transport down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePeers reports a fixed ping per client; clients without an entry are
// only reachable through a tunnel.
type fakePeers map[control.ClientID]time.Duration

func (p fakePeers) PeerPing(id control.ClientID) (time.Duration, bool) {
	ping, ok := p[id]
	return ping, ok
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

type fakeRecorder struct {
	mu    sync.Mutex
	ticks []control.Tick
}

func (r *fakeRecorder) Record(tick control.Tick, _ control.Control) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick)
	return nil
}

type harness struct {
	net      *Network
	sim      *fakeSim
	tr       *fakeTransport
	clock    *fakeClock
	metrics  *logging.Metrics
	events   *sinks.MemorySink
	notifier *fakeNotifier
	recorder *fakeRecorder
}

type harnessOption func(*Config, *Deps)

func withRoster(ids ...control.ClientID) harnessOption {
	return func(_ *Config, deps *Deps) {
		infos := make([]ClientInfo, len(ids))
		for i, id := range ids {
			infos[i] = ClientInfo{ID: id}
		}
		deps.Roster = StaticRoster(infos...)
	}
}

func withPeers(peers fakePeers) harnessOption {
	return func(_ *Config, deps *Deps) {
		deps.Peers = peers
	}
}

// withTransport wraps the recording transport; the harness keeps recording
// through h.tr.
func withTransport(wrap func(*fakeTransport) Transport) harnessOption {
	return func(_ *Config, deps *Deps) {
		deps.Transport = wrap(deps.Transport.(*fakeTransport))
	}
}

func withConfig(fn func(*Config)) harnessOption {
	return func(cfg *Config, _ *Deps) {
		fn(cfg)
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		sim:      &fakeSim{tick: 5, running: true},
		tr:       &fakeTransport{},
		clock:    newFakeClock(),
		metrics:  logging.NewMetrics(),
		events:   sinks.NewMemorySink(),
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
	}
	cfg := DefaultConfig()
	deps := Deps{
		Simulation: h.sim,
		Transport:  h.tr,
		Notifier:   h.notifier,
		Recorder:   h.recorder,
		Clock:      h.clock,
		Metrics:    telemetry.WrapMetrics(h.metrics),
		Publisher:  logging.Direct(h.clock, logging.SeverityDebug, h.events),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	n, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	h.net = n
	return h
}

// deliver feeds a one-command control for (owner, tick) in from owner.
func (h *harness) deliver(owner control.ClientID, tick control.Tick) {
	h.net.HandleMessage(owner, proto.Control{Owner: owner, Tick: tick, Control: commandFrom(owner)})
}

func commandFrom(owner control.ClientID) control.Control {
	return control.New(control.Command{Type: control.CommandType(owner), ByClient: owner, Payload: []byte{byte(owner)}})
}

func (h *harness) readySignalled() bool {
	select {
	case <-h.net.Ready():
		return true
	default:
		return false
	}
}
