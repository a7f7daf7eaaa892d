package lockstep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep-net/server/internal/control"
	netlog "lockstep-net/server/logging/network"
)

func TestOptimumPreSend(t *testing.T) {
	cases := []struct {
		fps  int32
		usec int64
		want int32
	}{
		{fps: 38, usec: 0, want: 1},
		{fps: 38, usec: 100_000, want: 4},
		{fps: 60, usec: 50_000, want: 4},
		{fps: 38, usec: 10_000_000, want: 15},
		{fps: 0, usec: 100_000, want: 0},
		{fps: -3, usec: 100_000, want: 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, optimumPreSend(tc.fps, tc.usec), "fps=%d avg=%dus", tc.fps, tc.usec)
	}
}

func TestPreSendChangeIsAnnounced(t *testing.T) {
	h := newHarness(t)
	startHost(h, false)

	h.net.mu.Lock()
	h.net.tunePreSendLocked(5000)
	h.net.mu.Unlock()

	assert.Equal(t, int32(2), h.net.PreSend())
	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "PreSend: 2 - TargetFPS: 38", h.notifier.messages[0])
	events := h.events.OfType(netlog.EventPreSendChanged)
	require.Len(t, events, 1)
	payload := events[0].Payload.(netlog.PreSendPayload)
	assert.Equal(t, int32(1), payload.Previous)
	assert.Equal(t, int64(33333), payload.AvgSendTimeUsec)

	// an empty sample leaves the average alone
	h.net.mu.Lock()
	h.net.tunePreSendLocked(0)
	h.net.mu.Unlock()
	assert.Len(t, h.notifier.messages, 1)
}

func TestMeshSendTimeWeighsTunnels(t *testing.T) {
	peers := fakePeers{control.HostID: 300 * time.Millisecond, 2: 100 * time.Millisecond}
	h := newHarness(t, withRoster(0, 1, 2, 3), withPeers(peers))
	h.net.SetMode(ModeDecentral)
	startClient(h, 1)

	h.net.mu.Lock()
	h.net.calcPerformanceLocked(5)
	avg := h.net.avgSendTime
	h.net.mu.Unlock()
	// (100 + 300*2) / 3 = 233ms; one tunnel so the full round trip counts
	assert.Equal(t, int64(233_000/150), avg)
}

func TestMeshSendTimeHalvedWithoutTunnels(t *testing.T) {
	peers := fakePeers{control.HostID: 300 * time.Millisecond, 2: 100 * time.Millisecond}
	h := newHarness(t, withRoster(0, 1, 2), withPeers(peers))
	h.net.SetMode(ModeDecentral)
	startClient(h, 1)

	h.net.mu.Lock()
	h.net.calcPerformanceLocked(5)
	avg := h.net.avgSendTime
	h.net.mu.Unlock()
	// (100 + 300) / 2 / 2 = 100ms
	assert.Equal(t, int64(100_000/150), avg)
}

func TestCentralSendTimeUsesHostPing(t *testing.T) {
	peers := fakePeers{control.HostID: 90 * time.Millisecond, 2: 400 * time.Millisecond}
	h := newHarness(t, withRoster(0, 1, 2), withPeers(peers))
	startClient(h, 1)

	h.net.mu.Lock()
	h.net.calcPerformanceLocked(5)
	avg := h.net.avgSendTime
	h.net.mu.Unlock()
	assert.Equal(t, int64(90_000/150), avg)
}

func TestControlRecordsClientScheduling(t *testing.T) {
	h := newHarness(t, withRoster(1, 2))
	startHost(h, false)
	h.net.Execute(5)

	h.clock.Advance(300 * time.Millisecond)
	h.deliver(1, 5)
	h.clock.Advance(200 * time.Millisecond)
	h.deliver(2, 5)

	_, ok := h.net.Control(5)
	require.True(t, ok)
	client1, _ := h.net.clients.Find(1)
	client2, _ := h.net.clients.Find(2)
	assert.Equal(t, int32(300), client1.perf)
	assert.Equal(t, int32(500), client2.perf)
	assert.Equal(t, int32(5), h.net.ClientPerfStat(2))

	// the wait start is consumed by Control
	h.net.mu.Lock()
	assert.True(t, h.net.waitStart.IsZero())
	h.net.mu.Unlock()
}
