package lockstep

import (
	"sync"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/net/proto"
	"lockstep-net/server/internal/telemetry"
)

const (
	inboxOccupancyMetricKey = "lockstep_inbox_occupancy"
	inboxGrowthMetricKey    = "lockstep_inbox_grow_total"

	defaultInboxCapacity = 32
)

// inboxItem is a message that must be handled on the engine goroutine.
type inboxItem struct {
	from control.ClientID
	msg  proto.Message
}

// inbox hands messages from the network goroutine to the engine goroutine.
// It is a ring that doubles instead of dropping: sync control must never be
// lost. Safe for concurrent producers and a single consumer.
type inbox struct {
	mu      sync.Mutex
	data    []inboxItem
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

func newInbox(capacity int, metrics telemetry.Metrics) *inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &inbox{data: make([]inboxItem, capacity), metrics: metrics}
}

func (b *inbox) push(item inboxItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		b.growLocked()
	}
	b.data[b.tail] = item
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
}

func (b *inbox) growLocked() {
	grown := make([]inboxItem, len(b.data)*2)
	for i := 0; i < b.count; i++ {
		grown[i] = b.data[(b.head+i)%len(b.data)]
	}
	b.data = grown
	b.head = 0
	b.tail = b.count
	if b.metrics != nil {
		b.metrics.Add(inboxGrowthMetricKey, 1)
	}
}

// drain returns every staged item in FIFO order.
func (b *inbox) drain() []inboxItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	items := make([]inboxItem, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		items[i] = b.data[idx]
		b.data[idx] = inboxItem{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return items
}

// holdsSyncBy reports whether a staged sync directive is due at or before
// tick.
func (b *inbox) holdsSyncBy(tick control.Tick) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.count; i++ {
		item := b.data[(b.head+i)%len(b.data)]
		if m, ok := item.msg.(proto.ExecSyncCtrl); ok && m.UpToTick <= tick {
			return true
		}
	}
	return false
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *inbox) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(inboxOccupancyMetricKey, uint64(b.count))
}
