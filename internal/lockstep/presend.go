package lockstep

import (
	"context"
	"fmt"
	"time"

	"lockstep-net/server/internal/control"
	netlog "lockstep-net/server/logging/network"
)

// calcPerformanceLocked updates per-client scheduling statistics for tick
// and retunes PreSend from the observed ping times.
func (n *Network) calcPerformanceLocked(tick control.Tick) {
	// packets are looked up before the registry lock is taken
	arrivals := make(map[control.ClientID]time.Time)
	if !n.waitStart.IsZero() {
		for _, id := range n.clients.IDs() {
			if pkt, ok := n.store.Find(id, tick); ok {
				arrivals[id] = pkt.ReceivedAt
			}
		}
	}

	var (
		clientsPing, hostPing time.Duration
		pingCount, tunnels    int
	)
	n.clients.updatePerf(func(client *Client) {
		if n.deps.Peers != nil && client.ID != n.clientID {
			ping, ok := n.deps.Peers.PeerPing(client.ID)
			switch {
			case !ok:
				tunnels++
			case client.ID == control.HostID:
				hostPing = ping
			default:
				clientsPing += ping
				pingCount++
			}
		}
		if at, ok := arrivals[client.ID]; ok {
			client.AddPerf(int32(at.Sub(n.waitStart).Milliseconds()))
		}
	})

	var sendTime time.Duration
	if n.policy.meshSendTime {
		sendTime = (clientsPing + hostPing*time.Duration(tunnels+1)) / time.Duration(pingCount+tunnels+1)
		// without tunnels only one leg of the round trip is paid
		if tunnels == 0 {
			sendTime /= 2
		}
	} else {
		sendTime = hostPing
	}
	n.tunePreSendLocked(sendTime.Milliseconds())
}

// tunePreSendLocked folds one send-time sample (milliseconds) into the
// moving average and applies the resulting optimum PreSend.
func (n *Network) tunePreSendLocked(sendTimeMillis int64) {
	if sendTimeMillis == 0 {
		return
	}
	n.avgSendTime = (n.avgSendTime*149 + sendTimeMillis*1000) / 150
	best := optimumPreSend(n.targetFPS, n.avgSendTime)
	if best == n.preSend {
		return
	}
	previous := n.preSend
	n.preSend = best
	n.deps.Metrics.Store(metricPreSend, uint64(max(best, 0)))
	if n.deps.Notifier != nil {
		n.deps.Notifier.Notify(fmt.Sprintf("PreSend: %d - TargetFPS: %d", best, n.targetFPS))
	}
	netlog.PreSendChanged(context.Background(), n.pub, n.eventTickLocked(), n.actorLocked(), netlog.PreSendPayload{
		Previous:        previous,
		PreSend:         best,
		TargetFPS:       n.targetFPS,
		AvgSendTimeUsec: n.avgSendTime,
	})
}

// optimumPreSend is the look-ahead that hides avgSendTimeUsec at targetFPS.
// A non-positive targetFPS pins the result to -targetFPS.
func optimumPreSend(targetFPS int32, avgSendTimeUsec int64) int32 {
	if targetFPS <= 0 {
		return -targetFPS
	}
	best := int64(targetFPS)*avgSendTimeUsec/1_000_000 + 1
	return int32(min(max(best, minPreSend), maxPreSend))
}
