package sim

import (
	"context"
	"errors"
	"time"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
	simlog "lockstep-net/server/logging/simulation"
)

const (
	// CommandRejectQueueFull indicates the local command buffer is saturated.
	CommandRejectQueueFull = "queue_full"

	loopStallMetricKey  = "sim_loop_stalls_total"
	loopFramesMetricKey = "sim_loop_frames_total"
)

// ErrNoNetwork is returned by NewLoop without a lockstep engine.
var ErrNoNetwork = errors.New("sim: loop requires a lockstep network")

// Lockstep is the engine surface the loop drives. *lockstep.Network
// implements it.
type Lockstep interface {
	Execute(frame int64)
	ControlNeeded(frame int64) bool
	Input(ctrl control.Control) error
	ControlReady(tick control.Tick) bool
	Control(tick control.Tick) (control.Control, bool)
	ExecSyncControl()
	Deliver(cmd control.Command, delivery proto.Delivery) error
	DecideDelivery() proto.Delivery
	Ready() <-chan struct{}
}

// SyncPoints reports pending safe point requests from the transport.
type SyncPoints interface {
	TakeSyncRequest() bool
}

// LoopConfig tunes the command buffer and frame loop.
type LoopConfig struct {
	// TickRate is the number of frames per second.
	TickRate int
	// ControlRate is the number of frames per control tick.
	ControlRate     int32
	CommandCapacity int
	WarningStep     int
}

// LoopHooks exposes callbacks around each frame.
type LoopHooks struct {
	AfterStep      func(LoopStepResult)
	OnQueueWarning func(length int)
	OnCommandDrop  func(reason string, cmd control.Command)
}

// LoopStepResult describes one frame.
type LoopStepResult struct {
	Frame int64
	// Tick is the control tick executed this frame, control.NoTick if none.
	Tick     control.Tick
	Stalled  bool
	Sent     int
	Duration time.Duration
	Budget   time.Duration
}

// Loop runs the fixed-timestep frame loop: it feeds local commands into the
// lockstep engine and executes merged control on the world once it is ready.
type Loop struct {
	net     Lockstep
	world   *World
	sync    SyncPoints
	buffer  *CommandBuffer
	hooks   LoopHooks
	config  LoopConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   logging.Clock
	pub     logging.Publisher

	frame      int64
	stalled    bool
	stallStart time.Time
	retries    int
	overruns   uint64
}

// NewLoop wires world to net. sync may be nil when no transport asks for
// safe points.
func NewLoop(net Lockstep, world *World, sync SyncPoints, cfg LoopConfig, hooks LoopHooks, deps Deps) (*Loop, error) {
	if net == nil {
		return nil, ErrNoNetwork
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 38
	}
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = 1
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 256
	}
	deps = deps.withDefaults()
	return &Loop{
		net:     net,
		world:   world,
		sync:    sync,
		buffer:  NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		hooks:   hooks,
		config:  cfg,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		pub:     deps.Publisher,
		frame:   int64(world.ControlTick()) * int64(cfg.ControlRate),
	}, nil
}

// Frame returns the next frame to run.
func (l *Loop) Frame() int64 {
	return l.frame
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	return l.buffer.Len()
}

// Enqueue stages a command for the next control the node produces.
func (l *Loop) Enqueue(cmd control.Command) (bool, string) {
	if !l.buffer.Push(cmd) {
		if l.hooks.OnCommandDrop != nil {
			l.hooks.OnCommandDrop(CommandRejectQueueFull, cmd)
		}
		l.logger.Printf("[backpressure] dropping command type=%d from %d", cmd.Type, cmd.ByClient)
		return false, CommandRejectQueueFull
	}
	if step := l.config.WarningStep; step > 0 && l.hooks.OnQueueWarning != nil {
		if length := l.buffer.Len(); length >= step && length%step == 0 {
			l.hooks.OnQueueWarning(length)
		}
	}
	return true, ""
}

// Submit routes a local command the way the engine decides: queued into
// the next control, or delivered as a single command.
func (l *Loop) Submit(cmd control.Command) error {
	delivery := l.net.DecideDelivery()
	if delivery == proto.DeliveryQueue {
		if ok, reason := l.Enqueue(cmd); !ok {
			return errors.New(reason)
		}
		return nil
	}
	return l.net.Deliver(cmd, delivery)
}

// Step runs one frame. A frame that needs control which is not ready yet
// stalls and is retried by the next Step.
func (l *Loop) Step() LoopStepResult {
	start := l.clock.Now()
	frame := l.frame
	result := LoopStepResult{Frame: frame, Tick: control.NoTick}

	l.net.Execute(frame)
	if l.sync != nil && l.sync.TakeSyncRequest() {
		l.net.ExecSyncControl()
	}
	for l.net.ControlNeeded(frame) {
		if err := l.net.Input(l.buffer.Drain()); err != nil {
			l.logger.Printf("sim: frame %d failed to submit control: %v", frame, err)
			break
		}
		result.Sent++
	}

	if frame%int64(l.config.ControlRate) == 0 {
		tick := l.world.ControlTick()
		if !l.net.ControlReady(tick) {
			if !l.stalled {
				l.metrics.Add(loopStallMetricKey, 1)
				l.stallStart = start
				l.retries = 0
			} else {
				l.retries++
			}
			l.stalled = true
			result.Stalled = true
			result.Duration = l.clock.Now().Sub(start)
			return result
		}
		ctrl, _ := l.net.Control(tick)
		l.world.ExecControl(ctrl)
		l.world.EndTick()
		result.Tick = tick
		if l.stalled {
			simlog.StallResolved(context.Background(), l.pub, uint64(max(tick, 0)), simlog.StallResolvedPayload{
				Tick:       int32(tick),
				WaitMillis: l.clock.Now().Sub(l.stallStart).Milliseconds(),
				Retries:    l.retries,
			})
		}
	}
	l.stalled = false
	l.frame++
	l.metrics.Add(loopFramesMetricKey, 1)
	result.Duration = l.clock.Now().Sub(start)
	return result
}

// Run drives the loop until stop closes. A stalled frame is retried as soon
// as the engine signals readiness instead of waiting for the next tick.
func (l *Loop) Run(stop <-chan struct{}) {
	budget := time.Second / time.Duration(l.config.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	step := func() {
		result := l.Step()
		result.Budget = budget
		l.checkBudget(result)
		if l.hooks.AfterStep != nil {
			l.hooks.AfterStep(result)
		}
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			step()
		case <-l.net.Ready():
			if l.stalled {
				step()
			}
		}
	}
}

func (l *Loop) checkBudget(result LoopStepResult) {
	if result.Budget <= 0 || result.Duration <= result.Budget {
		l.overruns = 0
		return
	}
	l.overruns++
	simlog.TickBudgetOverrun(context.Background(), l.pub, uint64(max(result.Frame, 0)), simlog.TickBudgetOverrunPayload{
		Frame:          result.Frame,
		DurationMillis: result.Duration.Milliseconds(),
		BudgetMillis:   result.Budget.Milliseconds(),
		Ratio:          float64(result.Duration) / float64(result.Budget),
		Streak:         l.overruns,
	})
}
