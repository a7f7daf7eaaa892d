package lockstep

import (
	"context"
	"fmt"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	netlog "lockstep-net/server/logging/network"
)

// checkCompleteLocked advances the ready watermark as far as the stored
// packets allow, then evicts old packets and, when stalled, asks peers for
// the missing tick. signal wakes the simulation when it is waiting on a tick
// that just became ready.
func (n *Network) checkCompleteLocked(signal bool) {
	if !n.running || !n.enabled {
		return
	}
	sim := n.deps.Simulation
	for {
		next := n.readyTick + 1
		merged, ok := n.store.Find(control.AllClients, next)
		if !ok {
			if !n.mayPackLocked(next) {
				break
			}
			if merged = n.packLocked(next); merged == nil {
				break
			}
		}
		if !sim.PreExecute(merged.Control) {
			break
		}
		previous := n.readyTick
		n.readyTick = next
		n.deps.Metrics.Store(metricReadyTick, tickGauge(n.readyTick))
		netlog.ControlReady(context.Background(), n.pub, tickGauge(next), n.actorLocked(), netlog.ReadyPayload{
			Previous: int32(previous),
			Ready:    int32(next),
			Commands: merged.Control.Len(),
			Digest:   fmt.Sprintf("%x", merged.Control.Digest()[:8]),
		})
		if signal && sim.Running() && n.readyTick >= sim.ControlTick() {
			n.signalReady()
		}
	}

	if current, backlog := sim.ControlTick(), control.Tick(n.cfg.BacklogDepth); current >= backlog {
		n.store.EvictBefore(current - backlog)
	}
	n.deps.Metrics.Store(metricPacketsStored, uint64(n.store.Len()))

	n.requestMissingLocked()
}

// mayPackLocked reports whether this node should try to build the merged
// packet for tick now.
func (n *Network) mayPackLocked(tick control.Tick) bool {
	// own control for the tick not produced yet
	if n.activated && n.sent < tick {
		return false
	}
	// unattended: pack at most one tick ahead of the simulation
	if n.clients.Len() == 0 && n.deps.Simulation.ControlTick() < tick {
		return false
	}
	if stop := n.stopTickLocked(); stop >= 0 && tick >= stop {
		return false
	}
	return n.policy.packs(n.host)
}

// stopTickLocked is the earlier of the target tick and the first queued
// sync control, or NoTick.
func (n *Network) stopTickLocked() control.Tick {
	stop := n.targetTick
	if head, ok := n.syncQueue.Head(); ok && (stop < 0 || stop > head) {
		stop = head
	}
	return stop
}

// packLocked merges every client's control for tick in registry order. A
// missing client blocks the tick unless the async grace has expired, in
// which case the tick is packed from the clients that did deliver.
func (n *Network) packLocked(tick control.Tick) *control.Packet {
	clients := n.clients.Snapshot()
	parts := make([]*control.Packet, 0, len(clients))
	complete := true
	for _, client := range clients {
		pkt, ok := n.store.Find(client.ID, tick)
		if !ok {
			complete = false
			continue
		}
		parts = append(parts, pkt)
	}
	if !complete && !n.graceExpiredLocked() {
		return nil
	}

	now := n.deps.Clock.Now()
	merged := &control.Packet{Owner: control.AllClients, Tick: tick, ReceivedAt: now}
	for _, pkt := range parts {
		merged.Control.Append(pkt.Control)
	}
	n.store.Insert(merged)
	if !complete {
		n.deps.Logger.Printf("lockstep: packed tick %d without %d slow client(s)", tick, len(clients)-len(parts))
	}
	if n.policy.broadcastMerged {
		n.sendLocked(routeBroadcast, proto.FromPacket(merged))
	}
	if next := now.Add(n.cfg.RequestRetryInterval); next.After(n.nextRequest) {
		n.nextRequest = next
	}
	return merged
}

// graceExpiredLocked reports whether slow clients may be skipped.
func (n *Network) graceExpiredLocked() bool {
	if !n.policy.asyncGrace || n.waitStart.IsZero() {
		return false
	}
	deadline := n.waitStart.Add(n.cfg.asyncMaxWait(n.targetFPS))
	return n.deps.Clock.Now().After(deadline)
}
