package lockstep

import (
	"context"
	"strconv"
	"sync"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/logging"
	netlog "lockstep-net/server/logging/network"
)

// outbound is a message produced under the engine lock. Actor and tick are
// captured when it is queued so a failed send reports the state that
// produced it.
type outbound struct {
	route route
	to    control.ClientID
	msg   proto.Message
	actor logging.EntityRef
	tick  uint64
}

// outbox keeps outbound messages in the order the engine produced them,
// across goroutines. Messages are pushed while the engine lock is held and
// handed to the transport after it is released.
type outbox struct {
	mu    sync.Mutex
	queue []outbound
}

func (o *outbox) push(out outbound) {
	o.mu.Lock()
	o.queue = append(o.queue, out)
	o.mu.Unlock()
}

func (o *outbox) take() []outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	taken := o.queue
	o.queue = nil
	return taken
}

func (o *outbox) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) == 0
}

// unlock releases mu and flushes what was queued under it. The transport is
// never called with mu held, so a slow peer cannot stall the simulation.
func (n *Network) unlock() {
	n.mu.Unlock()
	n.flush()
}

// flush sends queued messages in order. One goroutine flushes at a time;
// the others leave their messages to it and return at once.
func (n *Network) flush() {
	for n.flushing.CompareAndSwap(false, true) {
		for batch := n.outbox.take(); len(batch) > 0; batch = n.outbox.take() {
			for _, out := range batch {
				n.transmit(out)
			}
		}
		n.flushing.Store(false)
		if n.outbox.empty() {
			return
		}
	}
}

func (n *Network) transmit(out outbound) {
	var (
		err    error
		target string
	)
	switch out.route {
	case routeHost:
		target = "host"
		err = n.deps.Transport.SendToHost(out.msg)
	case routeBroadcast:
		target = "all"
		err = n.deps.Transport.Broadcast(out.msg)
	case routePeer:
		target = "client " + strconv.Itoa(int(out.to))
		err = n.deps.Transport.SendTo(out.to, out.msg)
	default:
		return
	}
	if err == nil {
		return
	}
	n.deps.Metrics.Add(metricSendFailures, 1)
	n.deps.Logger.Printf("lockstep: failed to send %s to %s: %v", out.msg.Kind(), target, err)
	netlog.SendFailed(context.Background(), n.pub, out.tick, out.actor, netlog.SendFailedPayload{
		Message: out.msg.Kind().String(),
		Target:  target,
		Error:   err.Error(),
	})
}

// sendLocked queues msg for r. It is sent once mu is released.
func (n *Network) sendLocked(r route, msg proto.Message) {
	if r == routeNone {
		return
	}
	n.outbox.push(outbound{route: r, msg: msg, actor: n.actorLocked(), tick: n.eventTickLocked()})
}

// sendToLocked queues msg for one peer.
func (n *Network) sendToLocked(id control.ClientID, msg proto.Message) {
	n.outbox.push(outbound{route: routePeer, to: id, msg: msg, actor: n.actorLocked(), tick: n.eventTickLocked()})
}
