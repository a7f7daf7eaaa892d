package lockstep

import (
	"context"
	"fmt"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	netlog "lockstep-net/server/logging/network"
)

// Input submits the local node's control for the next unsent tick. It is
// routed per mode, stored, and packing is re-checked.
func (n *Network) Input(ctrl control.Control) error {
	n.mu.Lock()
	defer n.unlock()
	if !n.enabled {
		return ErrNotEnabled
	}
	pkt := &control.Packet{
		Owner:      n.clientID,
		Tick:       n.sent + 1,
		Control:    ctrl.Clone(),
		ReceivedAt: n.deps.Clock.Now(),
	}
	n.sendLocked(n.policy.inputRoute(n.host), proto.FromPacket(pkt))
	n.store.InsertIfAbsent(pkt)
	n.sent++
	n.checkCompleteLocked(false)
	return nil
}

// Deliver submits a single command outside tick packing. Sync commands
// execute at a tick agreed by the host; direct and private commands execute
// immediately on every node.
func (n *Network) Deliver(cmd control.Command, delivery proto.Delivery) error {
	n.mu.Lock()
	if !n.enabled {
		n.unlock()
		return ErrNotEnabled
	}
	var run deferred
	switch delivery {
	case proto.DeliverySync:
		if n.host {
			n.hostSyncLocked(cmd, &run)
		} else {
			n.sendLocked(routeHost, proto.ControlPacket{Delivery: delivery, Command: cmd})
		}
	case proto.DeliveryDirect, proto.DeliveryPrivate:
		n.sendLocked(routeBroadcast, proto.ControlPacket{Delivery: delivery, Command: cmd})
		run.single(n.deps.Simulation, cmd)
	case proto.DeliveryQueue:
		n.unlock()
		return ErrQueueDelivery
	default:
		n.unlock()
		return fmt.Errorf("lockstep: unsupported delivery %s", delivery)
	}
	n.unlock()
	run.run()
	return nil
}

// DecideDelivery suggests the lowest-latency delivery for a new command.
// Only the host can do better than queue delivery: at a safe point, or while
// the local node is only observing, sync delivery executes at once.
func (n *Network) DecideDelivery() proto.Delivery {
	n.mu.Lock()
	defer n.unlock()
	if !n.host {
		return proto.DeliveryQueue
	}
	if n.deps.Transport.IsFrozen() || !n.activated {
		return proto.DeliverySync
	}
	return proto.DeliveryQueue
}

// hostSyncLocked relays a sync command to every peer and either executes it
// at once (safe point) or buffers it and asks the transport for a safe point.
func (n *Network) hostSyncLocked(cmd control.Command, run *deferred) {
	n.sendLocked(routeBroadcast, proto.ControlPacket{Delivery: proto.DeliverySync, Command: cmd})
	if n.deps.Transport.IsFrozen() {
		run.single(n.deps.Simulation, cmd)
		n.sendLocked(routeBroadcast, proto.ExecSyncCtrl{UpToTick: n.deps.Simulation.ControlTick()})
		return
	}
	n.syncControl.Add(cmd)
	n.deps.Transport.RequestSyncPoint()
}

// handleSingle processes an inbound single-command packet on the engine
// goroutine.
func (n *Network) handleSingle(pkt proto.ControlPacket) {
	var run deferred
	switch pkt.Delivery {
	case proto.DeliveryDirect, proto.DeliveryPrivate:
		run.single(n.deps.Simulation, pkt.Command)
		run.run()
		return
	case proto.DeliverySync:
	default:
		n.deps.Logger.Printf("lockstep: dropping single command with %s delivery", pkt.Delivery)
		return
	}

	n.mu.Lock()
	host := n.host
	if host {
		// a client's sync command: the host relays and schedules it
		n.hostSyncLocked(pkt.Command, &run)
	}
	n.unlock()
	if host {
		run.run()
		return
	}

	n.execQueuedSyncControl()

	n.mu.Lock()
	if n.deps.Transport.IsFrozen() {
		run.single(n.deps.Simulation, pkt.Command)
	} else {
		n.syncControl.Add(pkt.Command)
	}
	n.unlock()
	run.run()
}

// ExecSyncControl is called on the host at a safe point of its simulation
// loop. Buffered sync control is announced to every peer for the first tick
// none of them can have executed yet and runs there on every node.
func (n *Network) ExecSyncControl() {
	n.mu.Lock()
	if !n.enabled || !n.host || n.syncControl.Empty() {
		n.unlock()
		return
	}
	tick := n.syncTickLocked()
	n.sendLocked(routeBroadcast, proto.ExecSyncCtrl{UpToTick: tick})
	var run deferred
	n.execSyncControlAtLocked(tick, &run)
	n.unlock()
	run.run()
}

// syncTickLocked is the tick announced for buffered sync control. Peers
// never pass the host's ready watermark, nor control the host has not sent,
// so the tick after both is still ahead of every node. Packing of that tick
// waits on the sync queue until the host executed the control.
func (n *Network) syncTickLocked() control.Tick {
	tick := max(n.readyTick, n.sent) + 1
	return max(tick, n.deps.Simulation.ControlTick())
}

// ExecSyncControlAt executes the buffered sync control at tick: now if the
// simulation is at tick, later through the sync queue if it is behind.
// Control for a tick already passed is an inconsistency and is dropped.
func (n *Network) ExecSyncControlAt(tick control.Tick) {
	n.mu.Lock()
	var run deferred
	n.execSyncControlAtLocked(tick, &run)
	n.unlock()
	run.run()
}

func (n *Network) execSyncControlAtLocked(tick control.Tick, run *deferred) {
	if n.syncControl.Empty() {
		return
	}
	ctrl := n.syncControl.Clone()
	n.syncControl.Clear()
	current := n.deps.Simulation.ControlTick()
	switch {
	case current == tick:
		run.control(n.deps.Simulation, ctrl)
	case current > tick:
		n.syncInconsistencyLocked(tick, current, ctrl)
	default:
		n.syncQueue.Enqueue(tick, ctrl)
	}
}

// execQueuedSyncControl runs queued sync control due at the simulation's
// current tick and refreshes the roster if anything ran.
func (n *Network) execQueuedSyncControl() {
	n.mu.Lock()
	current := n.deps.Simulation.ControlTick()
	due, stale := n.syncQueue.DrainDue(current)
	for _, entry := range stale {
		n.syncInconsistencyLocked(entry.tick, current, entry.control)
	}
	n.unlock()
	if len(due) == 0 {
		return
	}
	for _, entry := range due {
		n.deps.Simulation.ExecControl(entry.control)
	}
	n.mu.Lock()
	n.copyClientListLocked()
	n.unlock()
}

func (n *Network) syncInconsistencyLocked(tick, current control.Tick, ctrl control.Control) {
	n.deps.Metrics.Add(metricSyncInconsistency, 1)
	n.deps.Logger.Printf("lockstep: fatal: got sync control to execute for tick %d, but already at tick %d", tick, current)
	netlog.SyncInconsistency(context.Background(), n.pub, tickGauge(current), n.actorLocked(), netlog.SyncInconsistencyPayload{
		SyncTick:    int32(tick),
		CurrentTick: int32(current),
		Commands:    ctrl.Len(),
	})
}

// deferred collects simulation calls to run once the engine lock is
// released, in the order they were added.
type deferred []func()

func (d *deferred) control(sim Simulation, ctrl control.Control) {
	*d = append(*d, func() { sim.ExecControl(ctrl) })
}

func (d *deferred) single(sim Simulation, cmd control.Command) {
	*d = append(*d, func() { sim.ExecSingle(cmd) })
}

func (d deferred) run() {
	for _, fn := range d {
		fn()
	}
}
