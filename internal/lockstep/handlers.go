package lockstep

import (
	"context"
	"strconv"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/logging"
	netlog "lockstep-net/server/logging/network"
)

// HandleMessage dispatches one inbound message from peer. It is called from
// the network goroutine. Control packets and control requests are handled in
// place; single commands and sync directives execute simulation code and are
// staged for the next Execute.
func (n *Network) HandleMessage(from control.ClientID, msg proto.Message) {
	switch m := msg.(type) {
	case proto.Control:
		n.handleControl(m)
	case proto.ControlRequest:
		n.mu.Lock()
		if n.enabled {
			n.serveRequestLocked(from, m)
		}
		n.unlock()
	case proto.ControlPacket:
		if !n.acceptSubmitter(from, m.Command.ByClient) {
			return
		}
		n.inbox.push(inboxItem{from: from, msg: m})
	case proto.ExecSyncCtrl:
		n.inbox.push(inboxItem{from: from, msg: m})
	default:
		n.deps.Logger.Printf("lockstep: ignoring %T from client %d", msg, from)
	}
}

// handleControl stores an inbound packet unless its key is taken. Packets
// are kept even before Init so nothing sent early is lost.
func (n *Network) handleControl(m proto.Control) {
	n.mu.Lock()
	defer n.unlock()
	pkt := m.Packet(n.deps.Clock.Now())
	if !n.store.InsertIfAbsent(pkt) {
		n.deps.Metrics.Add(metricDuplicates, 1)
		netlog.ControlDuplicate(context.Background(), n.pub, tickGauge(m.Tick), n.actorLocked(), netlog.DuplicatePayload{
			Owner: int32(m.Owner),
			Tick:  int32(m.Tick),
		})
		return
	}
	n.deps.Metrics.Store(metricPacketsStored, uint64(n.store.Len()))
	if n.enabled {
		n.checkCompleteLocked(true)
	}
}

// acceptSubmitter rejects single commands a non-host peer submits on behalf
// of another client.
func (n *Network) acceptSubmitter(from, submitter control.ClientID) bool {
	if from == control.HostID || from == submitter {
		return true
	}
	n.deps.Metrics.Add(metricRejected, 1)
	n.deps.Logger.Printf("lockstep: rejecting command by client %d relayed from client %d", submitter, from)
	netlog.RejectedSubmitter(context.Background(), n.pub, 0, logging.EntityRef{ID: strconv.Itoa(int(from)), Kind: logging.EntityKindClient}, netlog.RejectedSubmitterPayload{
		From:      int32(from),
		Submitter: int32(submitter),
	})
	return false
}

// processInbox handles staged messages in arrival order.
func (n *Network) processInbox() {
	for _, item := range n.inbox.drain() {
		if !n.Enabled() {
			return
		}
		switch m := item.msg.(type) {
		case proto.ControlPacket:
			n.handleSingle(m)
		case proto.ExecSyncCtrl:
			n.ExecSyncControlAt(m.UpToTick)
		}
	}
}
