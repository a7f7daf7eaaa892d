package sim

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"lockstep-net/server/internal/control"
)

const (
	worldTickMetricKey     = "sim_control_tick"
	worldCommandsMetricKey = "sim_commands_executed_total"
	worldRejectedMetricKey = "sim_commands_rejected_total"
)

// Entity is one client-owned actor of the demo world.
type Entity struct {
	Owner control.ClientID `json:"owner"`
	Name  string           `json:"name"`
	X     int64            `json:"x"`
	Y     int64            `json:"y"`
}

// World is a deterministic simulation driven only by control. Every node
// that executes the same control sequence ends with the same StateHash.
type World struct {
	deps Deps

	mu       sync.Mutex
	tick     control.Tick
	running  bool
	entities map[control.ClientID]*Entity
	loaded   map[string]bool
	hash     [32]byte
	executed uint64
}

// NewWorld constructs an empty world whose next control tick is start.
func NewWorld(start control.Tick, deps Deps) *World {
	return &World{
		deps:     deps.withDefaults(),
		tick:     start,
		entities: make(map[control.ClientID]*Entity),
		loaded:   make(map[string]bool),
	}
}

// ControlTick returns the control tick executed next.
func (w *World) ControlTick() control.Tick {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Running reports whether the world is advancing.
func (w *World) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// SetRunning starts or pauses the world.
func (w *World) SetRunning(running bool) {
	w.mu.Lock()
	w.running = running
	w.mu.Unlock()
}

// ExecControl applies every command of ctrl in order.
func (w *World) ExecControl(ctrl control.Control) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cmd := range ctrl.Commands() {
		w.applyLocked(cmd)
	}
}

// ExecSingle applies one command outside the tick sequence.
func (w *World) ExecSingle(cmd control.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applyLocked(cmd)
}

// PreExecute reports whether every resource ctrl references is loaded.
func (w *World) PreExecute(ctrl control.Control) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cmd := range ctrl.Commands() {
		if cmd.Type == CommandLoad && !w.loaded[string(cmd.Payload)] {
			return false
		}
	}
	return true
}

// MarkLoaded records that resource is available locally.
func (w *World) MarkLoaded(resource string) {
	w.mu.Lock()
	w.loaded[resource] = true
	w.mu.Unlock()
}

// EndTick folds the current state into the running hash and moves on to the
// next control tick.
func (w *World) EndTick() control.Tick {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hash = w.digestLocked()
	w.tick++
	w.deps.Metrics.Store(worldTickMetricKey, uint64(w.tick))
	return w.tick
}

// StateHash returns the hash chained over every completed tick.
func (w *World) StateHash() [32]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hash
}

func (w *World) applyLocked(cmd control.Command) {
	owner := cmd.ByClient
	switch cmd.Type {
	case CommandSpawn:
		if _, exists := w.entities[owner]; exists {
			w.rejectLocked(cmd, "entity exists")
			return
		}
		w.entities[owner] = &Entity{Owner: owner, Name: string(cmd.Payload)}
	case CommandMove:
		entity, ok := w.entities[owner]
		if !ok {
			w.rejectLocked(cmd, "no entity")
			return
		}
		move, err := DecodeMove(cmd.Payload)
		if err != nil {
			w.rejectLocked(cmd, err.Error())
			return
		}
		entity.X += int64(move.DX)
		entity.Y += int64(move.DY)
	case CommandRemove:
		delete(w.entities, owner)
	case CommandLoad:
	default:
		w.rejectLocked(cmd, "unknown type")
		return
	}
	w.executed++
	w.deps.Metrics.Add(worldCommandsMetricKey, 1)
}

func (w *World) rejectLocked(cmd control.Command, reason string) {
	w.deps.Metrics.Add(worldRejectedMetricKey, 1)
	w.deps.Logger.Printf("sim: tick %d ignoring command %d from %d: %s", w.tick, cmd.Type, cmd.ByClient, reason)
}

func (w *World) digestLocked() [32]byte {
	h := sha3.New256()
	h.Write(w.hash[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(int64(w.tick)))
	h.Write(buf[:])
	for _, entity := range w.sortedLocked() {
		binary.BigEndian.PutUint64(buf[:], uint64(int64(entity.Owner)))
		h.Write(buf[:])
		h.Write([]byte(entity.Name))
		binary.BigEndian.PutUint64(buf[:], uint64(entity.X))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(entity.Y))
		h.Write(buf[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (w *World) sortedLocked() []Entity {
	entities := make([]Entity, 0, len(w.entities))
	for _, entity := range w.entities {
		entities = append(entities, *entity)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Owner < entities[j].Owner })
	return entities
}

// Snapshot is a read-only view of the world for diagnostics.
type Snapshot struct {
	Tick     control.Tick `json:"tick"`
	Running  bool         `json:"running"`
	Executed uint64       `json:"executed"`
	Hash     string       `json:"hash"`
	Entities []Entity     `json:"entities"`
}

// Snapshot copies the current world state.
func (w *World) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Tick:     w.tick,
		Running:  w.running,
		Executed: w.executed,
		Hash:     hex.EncodeToString(w.hash[:]),
		Entities: w.sortedLocked(),
	}
}
