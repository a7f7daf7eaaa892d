package ws

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
)

// peer is one live connection. Data frames queue on send and are written by
// writeLoop alone; control frames (ping, close) may be written concurrently
// as gorilla allows.
type peer struct {
	id   control.ClientID
	conn *websocket.Conn
	send chan []byte

	rtt       atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id control.ClientID, conn *websocket.Conn, queue int) *peer {
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue hands frame to the writer without blocking.
func (p *peer) enqueue(frame []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (p *peer) writeFrame(frame []byte, deadline time.Time) error {
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *peer) close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		message := websocket.FormatCloseMessage(code, reason)
		p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		p.conn.Close()
	})
}

// serve runs the read loop of p until the connection fails. It blocks.
func (t *Transport) serve(p *peer) {
	p.conn.SetPongHandler(func(data string) error {
		if len(data) != 8 {
			return nil
		}
		sent := int64(binary.BigEndian.Uint64([]byte(data)))
		if rtt := t.clock.Now().UnixNano() - sent; rtt >= 0 {
			p.rtt.Store(rtt)
		}
		return nil
	})
	p.conn.SetReadLimit(proto.MaxFrameSize)
	go t.pingLoop(p)
	go t.writeLoop(p)

	defer func() {
		t.unregister(p)
		p.close(websocket.CloseNormalClosure, "")
	}()
	for {
		kind, payload, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
			default:
				t.logger.Printf("ws: client %d disconnected: %v", p.id, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			t.logger.Printf("ws: ignoring non-binary frame from %d", p.id)
			continue
		}
		t.deliver(p.id, payload)
	}
}

// writeLoop drains the send queue of p. A failed write closes the peer so
// its read loop unregisters it.
func (t *Transport) writeLoop(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			if err := p.writeFrame(frame, t.clock.Now().Add(t.config.WriteTimeout)); err != nil {
				t.metrics.Add(metricSendErrors, 1)
				t.logger.Printf("ws: write to client %d failed: %v", p.id, err)
				p.close(websocket.CloseGoingAway, "write failed")
				return
			}
			t.metrics.Add(metricFramesSent, 1)
			t.metrics.Add(metricBytesSent, uint64(len(frame)))
		}
	}
}

func (t *Transport) pingLoop(p *peer) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	t.ping(p)
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := t.ping(p); err != nil {
				return
			}
		}
	}
}

func (t *Transport) ping(p *peer) error {
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(t.clock.Now().UnixNano()))
	return p.conn.WriteControl(websocket.PingMessage, stamp[:], time.Now().Add(t.config.WriteTimeout))
}
