package lockstep

import (
	"sort"
	"sync"

	"lockstep-net/server/internal/control"
)

// PacketStore owns every per-(owner, tick) control packet. It holds at most
// one packet per key. Safe for concurrent use; the mutex is a leaf lock.
type PacketStore struct {
	mu      sync.Mutex
	packets []*control.Packet
	index   map[control.Key]*control.Packet
}

// NewPacketStore constructs an empty store.
func NewPacketStore() *PacketStore {
	return &PacketStore{index: make(map[control.Key]*control.Packet)}
}

// Find returns the packet stored under (owner, tick).
func (s *PacketStore) Find(owner control.ClientID, tick control.Tick) (*control.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkt, ok := s.index[control.Key{Owner: owner, Tick: tick}]
	return pkt, ok
}

// Has reports whether (owner, tick) is stored.
func (s *PacketStore) Has(owner control.ClientID, tick control.Tick) bool {
	_, ok := s.Find(owner, tick)
	return ok
}

// Insert stores pkt. The caller must have checked that the key is free;
// inserting over an existing key keeps the original and reports false.
func (s *PacketStore) Insert(pkt *control.Packet) bool {
	return s.InsertIfAbsent(pkt)
}

// InsertIfAbsent stores pkt unless a packet with the same key exists.
// Duplicates are dropped, never merged.
func (s *PacketStore) InsertIfAbsent(pkt *control.Packet) bool {
	if pkt == nil {
		return false
	}
	key := pkt.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[key]; exists {
		return false
	}
	s.index[key] = pkt
	s.packets = append(s.packets, pkt)
	return true
}

// ForTick returns every packet stored for tick, merged packet first, then
// per-client packets by ascending owner.
func (s *PacketStore) ForTick(tick control.Tick) []*control.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*control.Packet
	for _, pkt := range s.packets {
		if pkt.Tick == tick {
			out = append(out, pkt)
		}
	}
	sortPackets(out)
	return out
}

// Owned returns the packets of owner from tick onward until the first gap.
func (s *PacketStore) Owned(owner control.ClientID, from control.Tick) []*control.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*control.Packet
	for tick := from; ; tick++ {
		pkt, ok := s.index[control.Key{Owner: owner, Tick: tick}]
		if !ok {
			return out
		}
		out = append(out, pkt)
	}
}

// EvictBefore drops every packet whose tick is strictly below tick and
// reports how many were removed.
func (s *PacketStore) EvictBefore(tick control.Tick) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.packets[:0]
	removed := 0
	for _, pkt := range s.packets {
		if pkt.Tick < tick {
			delete(s.index, pkt.Key())
			removed++
			continue
		}
		kept = append(kept, pkt)
	}
	for i := len(kept); i < len(s.packets); i++ {
		s.packets[i] = nil
	}
	s.packets = kept
	return removed
}

// Len reports the number of stored packets.
func (s *PacketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

// Clear drops every packet.
func (s *PacketStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = nil
	s.index = make(map[control.Key]*control.Packet)
}

func sortPackets(pkts []*control.Packet) {
	sort.Slice(pkts, func(i, j int) bool { return pkts[i].Owner < pkts[j].Owner })
}
