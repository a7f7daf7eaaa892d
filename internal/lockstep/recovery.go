package lockstep

import (
	"context"
	"strconv"

	"golang.org/x/time/rate"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/logging"
	netlog "lockstep-net/server/logging/network"
)

// stalledLocked reports whether the watermark is behind where it has to be:
// below the target tick or, without a target, below the tick the
// simulation waits on.
func (n *Network) stalledLocked() bool {
	if n.targetTick >= 0 {
		return n.readyTick < n.targetTick
	}
	return n.readyTick < n.deps.Simulation.ControlTick()
}

// requestMissingLocked asks peers for the first missing tick, at most once
// per retry interval. A stall caused by the local node not having produced
// its own control is not requested.
func (n *Network) requestMissingLocked() {
	if !n.stalledLocked() {
		return
	}
	if n.activated && n.sent <= n.readyTick {
		return
	}
	now := n.deps.Clock.Now()
	if now.Before(n.nextRequest) {
		return
	}
	from := n.readyTick + 1
	route := n.policy.requestRouteFor(n.host)
	n.deps.Logger.Printf("lockstep: recovering, requesting control for tick %d", from)
	n.sendLocked(route, proto.ControlRequest{FromTick: from})
	n.nextRequest = now.Add(n.cfg.RequestRetryInterval)
	n.deps.Metrics.Add(metricRequestsSent, 1)
	netlog.RecoveryRequest(context.Background(), n.pub, tickGauge(from), n.actorLocked(), netlog.RecoveryPayload{
		FromTick:  int32(from),
		Ready:     int32(n.readyTick),
		Sent:      int32(n.sent),
		Broadcast: route == routeBroadcast,
		Mode:      n.mode.String(),
	})
}

// serveRequestLocked answers a control request from peer: for every tick
// from req.FromTick on it resends the merged packet or, lacking one, every
// packet of that tick, stopping at the first tick with nothing stored.
func (n *Network) serveRequestLocked(peer control.ClientID, req proto.ControlRequest) {
	actor := logging.EntityRef{ID: strconv.Itoa(int(peer)), Kind: logging.EntityKindClient}
	if !n.allowServe(peer) {
		n.deps.Metrics.Add(metricRequestsLimited, 1)
		netlog.RequestServed(context.Background(), n.pub, tickGauge(req.FromTick), actor, netlog.RequestServedPayload{
			FromTick: int32(req.FromTick),
			Limited:  true,
		})
		return
	}

	sent := 0
	for tick := req.FromTick; ; tick++ {
		if merged, ok := n.store.Find(control.AllClients, tick); ok {
			n.sendToLocked(peer, proto.FromPacket(merged))
			sent++
			continue
		}
		pkts := n.store.ForTick(tick)
		if len(pkts) == 0 {
			break
		}
		for _, pkt := range pkts {
			n.sendToLocked(peer, proto.FromPacket(pkt))
			sent++
		}
	}
	n.deps.Metrics.Add(metricRequestsServed, 1)
	netlog.RequestServed(context.Background(), n.pub, tickGauge(req.FromTick), actor, netlog.RequestServedPayload{
		FromTick: int32(req.FromTick),
		Packets:  sent,
	})
}

// allowServe applies the per-peer request budget.
func (n *Network) allowServe(peer control.ClientID) bool {
	n.limitMu.Lock()
	defer n.limitMu.Unlock()
	limiter, ok := n.limiters[peer]
	if !ok {
		every := rate.Every(n.cfg.RequestRetryInterval / 4)
		limiter = rate.NewLimiter(every, n.cfg.RequestServeBurst)
		n.limiters[peer] = limiter
	}
	return limiter.AllowN(n.deps.Clock.Now(), 1)
}
