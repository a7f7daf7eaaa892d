package lockstep

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	netlog "lockstep-net/server/logging/network"
)

func startHost(h *harness, activated bool) {
	h.net.Init(control.HostID, true, 5, activated)
	h.net.SetRunning(true, control.NoTick)
}

func commandTypes(ctrl control.Control) []control.CommandType {
	var types []control.CommandType
	for _, cmd := range ctrl.Commands() {
		types = append(types, cmd.Type)
	}
	return types
}

func TestHappyPathMergesInRegistryOrder(t *testing.T) {
	h := newHarness(t, withRoster(3, 1, 2))
	startHost(h, false)
	require.Equal(t, control.Tick(4), h.net.ReadyTick())

	h.deliver(3, 5)
	h.deliver(1, 5)
	assert.Equal(t, control.Tick(4), h.net.ReadyTick(), "tick must wait for client 2")
	h.deliver(2, 5)

	require.Equal(t, control.Tick(5), h.net.ReadyTick())
	assert.True(t, h.readySignalled())

	ctrl, ok := h.net.Control(5)
	require.True(t, ok)
	assert.Equal(t, []control.CommandType{1, 2, 3}, commandTypes(ctrl))

	merged := h.tr.messages("broadcast", proto.KindControl)
	require.Len(t, merged, 1)
	assert.Equal(t, control.AllClients, merged[0].msg.(proto.Control).Owner)
	assert.Equal(t, []control.Tick{5}, h.recorder.ticks)
	assert.Len(t, h.events.OfType(netlog.EventControlReady), 1)
}

func TestMergeIsIndependentOfArrivalOrder(t *testing.T) {
	orders := [][]control.ClientID{{1, 2, 3}, {3, 2, 1}, {2, 3, 1}, {1, 3, 2}}
	var want []byte
	for _, order := range orders {
		h := newHarness(t, withRoster(1, 2, 3))
		startHost(h, false)
		for _, id := range order {
			h.deliver(id, 5)
		}
		ctrl, ok := h.net.Control(5)
		require.True(t, ok, "order %v", order)
		encoded, err := ctrl.MarshalBinary()
		require.NoError(t, err)
		if want == nil {
			want = encoded
			continue
		}
		assert.True(t, bytes.Equal(want, encoded), "order %v produced a different merge", order)
	}
}

func TestMissingClientBlocksPacking(t *testing.T) {
	for _, mode := range []Mode{ModeCentral, ModeDecentral, ModeAsync} {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, withRoster(1, 2, 3))
			h.net.SetMode(mode)
			startHost(h, false)
			h.deliver(1, 5)
			h.deliver(3, 5)
			// async without a recorded wait start never skips anyone
			h.clock.Advance(time.Minute)

			assert.Equal(t, control.Tick(4), h.net.TryAdvance())
			_, ok := h.net.store.Find(control.AllClients, 5)
			assert.False(t, ok)
			assert.False(t, h.net.ControlReady(5))
		})
	}
}

func TestAsyncGracePacksWithoutSlowClient(t *testing.T) {
	h := newHarness(t, withRoster(1, 2, 3), withConfig(func(cfg *Config) {
		cfg.AsyncMaxWait = 100 * time.Millisecond
		cfg.TargetFPS = 1
		cfg.ControlRate = 1
	}))
	h.net.SetMode(ModeAsync)
	startHost(h, false)
	h.net.Execute(5)

	h.deliver(1, 5)
	h.deliver(3, 5)
	h.clock.Advance(50 * time.Millisecond)
	require.Equal(t, control.Tick(4), h.net.TryAdvance())

	h.clock.Advance(51 * time.Millisecond)
	require.Equal(t, control.Tick(5), h.net.TryAdvance())

	ctrl, ok := h.net.Control(5)
	require.True(t, ok)
	assert.Equal(t, []control.CommandType{1, 3}, commandTypes(ctrl))
	assert.Len(t, h.tr.messages("broadcast", proto.KindControl), 1)
}

func TestRecoveryRequestIsThrottled(t *testing.T) {
	h := newHarness(t, withRoster(1, 2, 3))
	h.net.SetMode(ModeDecentral)
	h.net.Init(9, false, 5, false)
	h.net.SetRunning(true, control.NoTick)

	initial := h.tr.messages("broadcast", proto.KindControlRequest)
	require.Len(t, initial, 1)
	assert.Equal(t, control.Tick(5), initial[0].msg.(proto.ControlRequest).FromTick)
	h.tr.reset()

	h.deliver(1, 5)
	h.deliver(3, 5)
	h.clock.Advance(time.Second)
	h.net.TryAdvance()
	assert.Empty(t, h.tr.messages("broadcast", proto.KindControlRequest))

	h.clock.Advance(time.Second)
	h.net.TryAdvance()
	requests := h.tr.messages("broadcast", proto.KindControlRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, control.Tick(5), requests[0].msg.(proto.ControlRequest).FromTick)

	h.net.TryAdvance()
	h.clock.Advance(500 * time.Millisecond)
	h.net.TryAdvance()
	assert.Len(t, h.tr.messages("broadcast", proto.KindControlRequest), 1)
	assert.Equal(t, uint64(1), h.metrics.Value(metricRequestsSent))
	assert.Len(t, h.events.OfType(netlog.EventRecoveryRequest), 1)
}

func TestCentralClientRequestsFromHost(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	h.net.Init(1, false, 5, false)
	h.net.SetRunning(true, control.NoTick)
	h.clock.Advance(3 * time.Second)
	h.net.TryAdvance()

	requests := h.tr.messages("host", proto.KindControlRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, control.Tick(5), requests[0].msg.(proto.ControlRequest).FromTick)
}

func TestCentralHostRequestsFromClients(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	startHost(h, true)
	require.NoError(t, h.net.Input(commandFrom(0)))
	h.tr.reset()
	h.clock.Advance(3 * time.Second)
	h.net.TryAdvance()

	assert.Empty(t, h.tr.messages("host", proto.KindControlRequest))
	requests := h.tr.messages("broadcast", proto.KindControlRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, control.Tick(5), requests[0].msg.(proto.ControlRequest).FromTick)
}

func TestSelfInflictedStallIsNotRequested(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	startHost(h, true)
	h.tr.reset()
	h.clock.Advance(time.Minute)
	h.net.TryAdvance()
	assert.Empty(t, h.tr.messages("host", proto.KindControlRequest))
	assert.Empty(t, h.tr.messages("broadcast", proto.KindControlRequest))
}

func TestDuplicateIngestIsIgnored(t *testing.T) {
	h := newHarness(t, withRoster(1))
	startHost(h, false)

	h.deliver(1, 5)
	require.Equal(t, control.Tick(5), h.net.ReadyTick())
	require.True(t, h.readySignalled())
	stored := h.net.store.Len()

	h.net.HandleMessage(1, proto.Control{Owner: 1, Tick: 5, Control: commandFrom(7)})

	assert.Equal(t, stored, h.net.store.Len())
	assert.False(t, h.readySignalled())
	pkt, ok := h.net.store.Find(1, 5)
	require.True(t, ok)
	assert.Equal(t, []control.CommandType{1}, commandTypes(pkt.Control))
	assert.Equal(t, uint64(1), h.metrics.Value(metricDuplicates))
	assert.Len(t, h.events.OfType(netlog.EventControlDuplicate), 1)
}

func TestReadyWatermarkNeverDecreases(t *testing.T) {
	h := newHarness(t, withRoster(1, 2))
	startHost(h, false)
	rng := rand.New(rand.NewSource(42))

	last := h.net.ReadyTick()
	for i := 0; i < 500; i++ {
		tick := control.Tick(5 + rng.Intn(20))
		switch rng.Intn(5) {
		case 0, 1:
			h.deliver(control.ClientID(1+rng.Intn(2)), tick)
		case 2:
			h.net.TryAdvance()
		case 3:
			h.sim.setTick(h.sim.ControlTick() + 1)
			h.net.Execute(int64(h.sim.ControlTick()))
		case 4:
			h.clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
			h.net.Control(h.net.ReadyTick())
		}
		ready := h.net.ReadyTick()
		require.GreaterOrEqual(t, ready, last, "step %d", i)
		last = ready
	}
}

func TestPreExecuteDefersReadiness(t *testing.T) {
	h := newHarness(t, withRoster(1))
	h.sim.setReject(true)
	startHost(h, false)
	h.deliver(1, 5)
	assert.Equal(t, control.Tick(4), h.net.ReadyTick())
	assert.False(t, h.readySignalled())

	h.sim.setReject(false)
	h.net.OnResourceComplete()
	assert.Equal(t, control.Tick(5), h.net.ReadyTick())
	assert.True(t, h.readySignalled())
}

func TestPackingStopsAtTargetTick(t *testing.T) {
	h := newHarness(t, withRoster(1))
	h.net.Init(control.HostID, true, 5, false)
	h.net.SetRunning(true, 7)
	for tick := control.Tick(5); tick < 10; tick++ {
		h.deliver(1, tick)
	}
	assert.Equal(t, control.Tick(6), h.net.TryAdvance())
}

func TestPackingStopsBeforeQueuedSyncControl(t *testing.T) {
	h := newHarness(t, withRoster(1))
	startHost(h, false)
	h.net.mu.Lock()
	h.net.syncQueue.Enqueue(6, commandFrom(4))
	h.net.mu.Unlock()
	for tick := control.Tick(5); tick < 9; tick++ {
		h.deliver(1, tick)
	}
	assert.Equal(t, control.Tick(5), h.net.TryAdvance())
}

func TestUnattendedHostPacksOneTickAhead(t *testing.T) {
	h := newHarness(t)
	startHost(h, false)
	assert.Equal(t, control.Tick(5), h.net.TryAdvance())
	ctrl, ok := h.net.Control(5)
	require.True(t, ok)
	assert.True(t, ctrl.Empty())

	h.sim.setTick(6)
	assert.Equal(t, control.Tick(6), h.net.TryAdvance())
}

func TestOnlyHostPacksInCentralMode(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	h.net.Init(1, false, 5, false)
	h.net.SetRunning(true, control.NoTick)
	h.deliver(0, 5)
	h.deliver(1, 5)
	assert.Equal(t, control.Tick(4), h.net.TryAdvance())

	h.net.HandleMessage(0, proto.Control{Owner: control.AllClients, Tick: 5, Control: commandFrom(0)})
	assert.Equal(t, control.Tick(5), h.net.ReadyTick())
}

func TestBacklogEviction(t *testing.T) {
	h := newHarness(t, withRoster(1), withConfig(func(cfg *Config) {
		cfg.BacklogDepth = 10
	}))
	startHost(h, false)
	for tick := control.Tick(5); tick < 30; tick++ {
		h.deliver(1, tick)
	}
	h.sim.setTick(25)
	h.net.TryAdvance()

	for tick := control.Tick(5); tick < 15; tick++ {
		assert.False(t, h.net.store.Has(1, tick), "tick %d survived eviction", tick)
	}
	for tick := control.Tick(15); tick < 30; tick++ {
		assert.True(t, h.net.store.Has(1, tick), "tick %d was evicted", tick)
	}
}

func TestControlBeforeInitIsRetained(t *testing.T) {
	h := newHarness(t, withRoster(1))
	h.deliver(1, 5)
	assert.True(t, h.net.store.Has(1, 5))

	startHost(h, false)
	assert.Equal(t, control.Tick(5), h.net.ReadyTick())
}

func TestInitAgainClearsSession(t *testing.T) {
	h := newHarness(t, withRoster(1))
	startHost(h, false)
	h.deliver(1, 5)
	require.Equal(t, control.Tick(5), h.net.ReadyTick())

	h.net.Init(control.HostID, true, 20, false)
	assert.Zero(t, h.net.store.Len())
	assert.Equal(t, control.Tick(19), h.net.ReadyTick())
	assert.Equal(t, control.Tick(19), h.net.SentTick())
	assert.False(t, h.net.Running())
}

func TestClearDropsEverything(t *testing.T) {
	h := newHarness(t, withRoster(1, 2))
	startHost(h, false)
	h.deliver(1, 5)
	h.net.HandleMessage(control.HostID, proto.ControlPacket{Delivery: proto.DeliverySync, Command: control.Command{ByClient: 2}})
	h.net.mu.Lock()
	h.net.syncQueue.Enqueue(8, commandFrom(1))
	h.net.mu.Unlock()

	h.net.Clear()
	stats := h.net.Stats()
	assert.False(t, stats.Enabled)
	assert.Zero(t, stats.Packets)
	assert.Empty(t, stats.Clients)
	assert.Zero(t, stats.SyncQueued)
	assert.Zero(t, stats.InboxPending)
	assert.ErrorIs(t, h.net.Input(commandFrom(1)), ErrNotEnabled)
}

func TestInputRoutingPerMode(t *testing.T) {
	cases := []struct {
		name  string
		mode  Mode
		host  bool
		route string
	}{
		{name: "central client", mode: ModeCentral, route: "host"},
		{name: "async client", mode: ModeAsync, route: "host"},
		{name: "decentral client", mode: ModeDecentral, route: "broadcast"},
		{name: "decentral host", mode: ModeDecentral, host: true, route: "broadcast"},
		{name: "central host", mode: ModeCentral, host: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, withRoster(0, 1))
			h.net.SetMode(tc.mode)
			id := control.ClientID(1)
			if tc.host {
				id = control.HostID
			}
			h.net.Init(id, tc.host, 5, true)
			require.NoError(t, h.net.Input(commandFrom(id)))
			assert.Equal(t, control.Tick(5), h.net.SentTick())
			assert.True(t, h.net.store.Has(id, 5))

			for _, route := range []string{"host", "broadcast"} {
				got := h.tr.messages(route, proto.KindControl)
				if route == tc.route {
					require.Len(t, got, 1)
					assert.Equal(t, control.Tick(5), got[0].msg.(proto.Control).Tick)
				} else {
					assert.Empty(t, got)
				}
			}
		})
	}
}

func TestInputSendFailureIsLogged(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	h.net.Init(1, false, 5, true)
	h.tr.fail = errTransportDown
	require.NoError(t, h.net.Input(commandFrom(1)))
	assert.True(t, h.net.store.Has(1, 5))
	assert.Equal(t, uint64(1), h.metrics.Value(metricSendFailures))
	assert.Len(t, h.events.OfType(netlog.EventSendFailed), 1)
}

func TestActivatedHostPacksOwnInput(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	startHost(h, true)
	h.deliver(1, 5)
	assert.Equal(t, control.Tick(4), h.net.ReadyTick(), "host has not produced its own control")

	require.NoError(t, h.net.Input(commandFrom(0)))
	assert.Equal(t, control.Tick(5), h.net.ReadyTick())
	ctrl, ok := h.net.Control(5)
	require.True(t, ok)
	assert.Equal(t, []control.CommandType{0, 1}, commandTypes(ctrl))
}

func TestControlNeeded(t *testing.T) {
	h := newHarness(t, withRoster(0))
	assert.False(t, h.net.ControlNeeded(10), "disabled engine needs nothing")

	h.net.Init(control.HostID, true, 5, true)
	assert.False(t, h.net.ControlNeeded(3))
	assert.True(t, h.net.ControlNeeded(4))

	h.net.SetRunning(true, 4)
	assert.False(t, h.net.ControlNeeded(10), "target tick already sent")

	h.net.SetActivated(false)
	h.net.SetRunning(true, control.NoTick)
	assert.False(t, h.net.ControlNeeded(10))
}

func TestSetActivatedStartsAtCurrentTick(t *testing.T) {
	h := newHarness(t)
	h.net.Init(control.HostID, true, 5, false)
	h.sim.setTick(12)
	h.net.SetActivated(true)
	assert.Equal(t, control.Tick(11), h.net.SentTick())
}

func TestSetModeRebroadcastsOwnControl(t *testing.T) {
	h := newHarness(t, withRoster(0, 1))
	h.net.Init(1, false, 5, true)
	require.NoError(t, h.net.Input(commandFrom(1)))
	require.NoError(t, h.net.Input(commandFrom(1)))
	h.tr.reset()

	h.net.SetMode(ModeDecentral)
	sent := h.tr.messages("broadcast", proto.KindControl)
	require.Len(t, sent, 2)
	assert.Equal(t, control.Tick(5), sent[0].msg.(proto.Control).Tick)
	assert.Equal(t, control.Tick(6), sent[1].msg.(proto.Control).Tick)
}

func TestSetModeRebroadcastsMergedControlFromHost(t *testing.T) {
	h := newHarness(t, withRoster(1))
	h.net.SetMode(ModeDecentral)
	startHost(h, false)
	h.deliver(1, 5)
	h.deliver(1, 6)
	h.sim.setTick(6)
	require.Equal(t, control.Tick(6), h.net.TryAdvance())
	h.tr.reset()

	h.net.SetMode(ModeCentral)
	sent := h.tr.messages("broadcast", proto.KindControl)
	require.Len(t, sent, 1, "only ticks from the current one on")
	assert.Equal(t, control.AllClients, sent[0].msg.(proto.Control).Owner)
	assert.Equal(t, control.Tick(6), sent[0].msg.(proto.Control).Tick)
}

func TestClientQueries(t *testing.T) {
	h := newHarness(t, withRoster(1, 2))
	startHost(h, false)
	h.deliver(1, 5)
	assert.True(t, h.net.ClientReady(1, 5))
	assert.False(t, h.net.ClientReady(2, 5))
	assert.Equal(t, control.Tick(5), h.net.ClientNextControl(2))
	assert.Equal(t, control.Tick(0), h.net.ClientNextControl(9))

	client := newCentralClient(t)
	assert.True(t, client.net.ClientReady(2, 5), "central clients cannot see per-client packets")
	assert.Zero(t, client.net.ClientPerfStat(2))
}

func newCentralClient(t *testing.T) *harness {
	t.Helper()
	client := newHarness(t, withRoster(0, 1, 2))
	client.net.Init(1, false, 5, false)
	client.net.SetRunning(true, control.NoTick)
	return client
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, withRoster(2, 1))
	startHost(h, false)
	h.deliver(1, 5)
	h.deliver(2, 5)

	stats := h.net.Stats()
	assert.Equal(t, h.net.SessionID(), stats.SessionID)
	assert.True(t, stats.Running)
	assert.Equal(t, "central", stats.Mode)
	assert.Equal(t, int32(5), stats.ReadyTick)
	assert.Equal(t, []int32{1, 2}, stats.Clients)
	assert.Len(t, stats.ReadyDigest, 16)
	assert.Equal(t, 3, stats.Packets)

	for _, event := range h.events.Events() {
		assert.Equal(t, h.net.SessionID(), event.TraceID)
	}
}

func TestNewRequiresSimulation(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrNoSimulation)
}
