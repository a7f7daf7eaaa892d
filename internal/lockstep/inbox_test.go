package lockstep

import (
	"testing"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
)

func TestInboxGrowsInsteadOfDropping(t *testing.T) {
	metrics := logging.NewMetrics()
	box := newInbox(2, telemetry.WrapMetrics(metrics))
	box.push(inboxItem{from: 1, msg: proto.ExecSyncCtrl{UpToTick: 1}})
	box.drain()
	for i := 0; i < 5; i++ {
		box.push(inboxItem{from: control.ClientID(i), msg: proto.ExecSyncCtrl{UpToTick: control.Tick(i)}})
	}
	if got := metrics.Value(inboxOccupancyMetricKey); got != 5 {
		t.Fatalf("expected occupancy 5, got %d", got)
	}
	if metrics.Value(inboxGrowthMetricKey) == 0 {
		t.Fatalf("expected growth to be counted")
	}

	items := box.drain()
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	for i, item := range items {
		if item.from != control.ClientID(i) {
			t.Fatalf("expected FIFO order, item %d came from %d", i, item.from)
		}
	}
	if box.len() != 0 || metrics.Value(inboxOccupancyMetricKey) != 0 {
		t.Fatalf("expected empty inbox after drain")
	}
}
