package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
)

const (
	metricPeers          = "ws_peers"
	metricFramesSent     = "ws_frames_sent_total"
	metricFramesReceived = "ws_frames_received_total"
	metricBytesSent      = "ws_bytes_sent_total"
	metricBytesReceived  = "ws_bytes_received_total"
	metricSendErrors     = "ws_send_errors_total"
	metricDecodeErrors   = "ws_decode_errors_total"
	metricDropped        = "ws_unattached_dropped_total"
	metricSendDropped    = "ws_send_dropped_total"

	defaultPingInterval = 2 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultSendQueue    = 256
)

var (
	// ErrUnknownPeer is returned when no connection exists for a client id.
	ErrUnknownPeer = errors.New("ws: unknown peer")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ws: transport closed")
	// ErrSendQueueFull is returned when a peer's writer has fallen behind;
	// the frame is dropped and the request path recovers it.
	ErrSendQueueFull = errors.New("ws: send queue full")
	// ErrPeerClosed is returned for a peer whose connection is shutting down.
	ErrPeerClosed = errors.New("ws: peer closed")
)

// Receiver consumes decoded peer messages. The lockstep Network implements it.
type Receiver interface {
	HandleMessage(from control.ClientID, msg proto.Message)
}

// Config tunes the peer transport.
type Config struct {
	// SelfID is this node's client id, announced during the handshake.
	SelfID control.ClientID
	// HostID is the id SendToHost targets; the zero value is control.HostID.
	HostID       control.ClientID
	PingInterval time.Duration
	WriteTimeout time.Duration
	// SendQueue is the number of frames buffered per peer.
	SendQueue int
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

// Transport connects lockstep nodes over websockets. Every message travels as
// one binary frame produced by proto.Encode.
type Transport struct {
	self     control.ClientID
	hostID   control.ClientID
	config   Config
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	clock    logging.Clock
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	receiver atomic.Pointer[receiverBox]

	mu     sync.RWMutex
	peers  map[control.ClientID]*peer
	closed bool

	frozen        atomic.Bool
	syncRequested atomic.Bool
}

type receiverBox struct {
	r Receiver
}

// NewTransport constructs a transport with no connections.
func NewTransport(cfg Config) *Transport {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	return &Transport{
		self:    cfg.SelfID,
		hostID:  cfg.HostID,
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		peers:  make(map[control.ClientID]*peer),
	}
}

// Attach routes inbound messages to r. Messages that arrive before a
// receiver is attached are dropped and counted.
func (t *Transport) Attach(r Receiver) {
	if r == nil {
		t.receiver.Store(nil)
		return
	}
	t.receiver.Store(&receiverBox{r: r})
}

// SelfID returns this node's client id.
func (t *Transport) SelfID() control.ClientID {
	return t.self
}

// Broadcast sends msg to every connected peer. The first failure is returned
// after all peers were attempted.
func (t *Transport) Broadcast(msg proto.Message) error {
	frame, err := proto.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	var firstErr error
	for _, p := range t.snapshot() {
		if err := t.write(p, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendToHost sends msg to the session host. On the host itself this is a no-op.
func (t *Transport) SendToHost(msg proto.Message) error {
	if t.self == t.hostID {
		return nil
	}
	return t.SendTo(t.hostID, msg)
}

// SendTo sends msg to one peer.
func (t *Transport) SendTo(id control.ClientID, msg proto.Message) error {
	t.mu.RLock()
	p, ok := t.peers[id]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownPeer, id)
	}
	frame, err := proto.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return t.write(p, frame)
}

// write queues frame for p. It never blocks on the connection.
func (t *Transport) write(p *peer, frame []byte) error {
	if err := p.enqueue(frame); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			t.metrics.Add(metricSendDropped, 1)
		}
		return fmt.Errorf("write to %d: %w", p.id, err)
	}
	return nil
}

// IsFrozen reports whether the session sits at a safe point.
func (t *Transport) IsFrozen() bool {
	return t.frozen.Load()
}

// SetFrozen marks the session as paused at a safe point or resumed.
func (t *Transport) SetFrozen(frozen bool) {
	t.frozen.Store(frozen)
}

// RequestSyncPoint flags that the host wants to execute buffered sync
// control at the next safe point.
func (t *Transport) RequestSyncPoint() {
	t.syncRequested.Store(true)
}

// TakeSyncRequest reports and clears a pending sync point request.
func (t *Transport) TakeSyncRequest() bool {
	return t.syncRequested.Swap(false)
}

// PeerPing returns the last measured round trip to id. ok is false when no
// direct connection exists.
func (t *Transport) PeerPing(id control.ClientID) (time.Duration, bool) {
	t.mu.RLock()
	p, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Duration(p.rtt.Load()), true
}

// Peers returns the connected client ids in ascending order.
func (t *Transport) Peers() []control.ClientID {
	t.mu.RLock()
	ids := make([]control.ClientID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close disconnects every peer and refuses further connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[control.ClientID]*peer)
	t.mu.Unlock()

	for _, p := range peers {
		p.close(websocket.CloseGoingAway, "shutdown")
	}
	t.metrics.Store(metricPeers, 0)
	return nil
}

func (t *Transport) snapshot() []*peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

// register installs p, replacing and closing any previous connection for the
// same id.
func (t *Transport) register(p *peer) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	previous := t.peers[p.id]
	t.peers[p.id] = p
	count := len(t.peers)
	t.mu.Unlock()

	if previous != nil {
		t.logger.Printf("ws: replacing connection for client %d", p.id)
		previous.close(websocket.CloseNormalClosure, "replaced")
	}
	t.metrics.Store(metricPeers, uint64(count))
	return true
}

func (t *Transport) unregister(p *peer) {
	t.mu.Lock()
	if current, ok := t.peers[p.id]; ok && current == p {
		delete(t.peers, p.id)
	}
	count := len(t.peers)
	t.mu.Unlock()
	t.metrics.Store(metricPeers, uint64(count))
}

func (t *Transport) deliver(from control.ClientID, frame []byte) {
	t.metrics.Add(metricFramesReceived, 1)
	t.metrics.Add(metricBytesReceived, uint64(len(frame)))
	msg, err := proto.Decode(frame)
	if err != nil {
		t.metrics.Add(metricDecodeErrors, 1)
		t.logger.Printf("ws: discarding malformed frame from %d: %v", from, err)
		return
	}
	box := t.receiver.Load()
	if box == nil {
		t.metrics.Add(metricDropped, 1)
		return
	}
	box.r.HandleMessage(from, msg)
}
