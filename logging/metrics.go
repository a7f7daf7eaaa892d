package logging

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Metrics is a process-local store of named counters and gauges.
type Metrics struct {
	mu     sync.RWMutex
	values map[string]*atomic.Uint64
}

// NewMetrics constructs an empty metrics store.
func NewMetrics() *Metrics {
	return &Metrics{values: make(map[string]*atomic.Uint64)}
}

func (m *Metrics) slot(key string) *atomic.Uint64 {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if ok {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]*atomic.Uint64)
	}
	if v, ok = m.values[key]; ok {
		return v
	}
	v = new(atomic.Uint64)
	m.values[key] = v
	return v
}

// TelemetryAdd increments a counter.
func (m *Metrics) TelemetryAdd(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.slot(key).Add(delta)
}

// TelemetryStore overwrites a gauge.
func (m *Metrics) TelemetryStore(key string, value uint64) {
	if m == nil || key == "" {
		return
	}
	m.slot(key).Store(value)
}

// Value reads a single key; missing keys read as zero.
func (m *Metrics) Value(key string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies every key.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.values))
	for k, v := range m.values {
		out[k] = v.Load()
	}
	return out
}

// Keys lists the known keys in sorted order.
func (m *Metrics) Keys() []string {
	snapshot := m.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
