package lockstep

import (
	"sort"

	"lockstep-net/server/internal/control"
)

// syncEntry is a buffered sync control scheduled for one control tick.
type syncEntry struct {
	tick    control.Tick
	control control.Control
}

// SyncQueue holds sync control that arrived ahead of the local simulation.
// Entries stay ordered by ascending tick; entries of the same tick keep
// their arrival order. Not safe for concurrent use; the engine guards it.
type SyncQueue struct {
	entries []syncEntry
}

// Enqueue schedules ctrl for tick.
func (q *SyncQueue) Enqueue(tick control.Tick, ctrl control.Control) {
	pos := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].tick > tick })
	q.entries = append(q.entries, syncEntry{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = syncEntry{tick: tick, control: ctrl.Clone()}
}

// Head returns the earliest scheduled tick.
func (q *SyncQueue) Head() (control.Tick, bool) {
	if len(q.entries) == 0 {
		return control.NoTick, false
	}
	return q.entries[0].tick, true
}

// DrainDue removes every entry scheduled at or before current. Entries for
// current are returned as due in queue order; earlier ones are stale.
func (q *SyncQueue) DrainDue(current control.Tick) (due, stale []syncEntry) {
	n := 0
	for n < len(q.entries) && q.entries[n].tick <= current {
		entry := q.entries[n]
		if entry.tick < current {
			stale = append(stale, entry)
		} else {
			due = append(due, entry)
		}
		n++
	}
	if n > 0 {
		q.entries = append(q.entries[:0], q.entries[n:]...)
	}
	return due, stale
}

// Len reports the number of queued entries.
func (q *SyncQueue) Len() int {
	return len(q.entries)
}

// Clear drops every entry.
func (q *SyncQueue) Clear() {
	q.entries = nil
}
