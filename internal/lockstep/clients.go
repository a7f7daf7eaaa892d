package lockstep

import (
	"sort"
	"sync"

	"lockstep-net/server/internal/control"
)

// Client is a participant of the synchronized set.
type Client struct {
	ID          control.ClientID
	Name        string
	NextControl control.Tick
	// perf is an EWMA of scheduling delay in hundredths of a millisecond.
	perf int32
}

// AddPerf folds one observed scheduling delay (milliseconds) into the
// client's moving average.
func (c *Client) AddPerf(millis int32) {
	c.perf += (millis*100 - c.perf) / 100
}

// PerfStat returns the moving average in milliseconds.
func (c *Client) PerfStat() int32 {
	return c.perf / 100
}

// Registry tracks the participating clients, always sorted by ascending id.
// Packing iterates in this order, which keeps merged packets byte-identical
// on every node. Safe for concurrent use; the mutex is a leaf lock.
type Registry struct {
	mu      sync.Mutex
	clients []*Client
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a client unless the id is already present.
func (r *Registry) Add(id control.ClientID, name string, nextControl control.Tick) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(&Client{ID: id, Name: name, NextControl: nextControl})
}

func (r *Registry) addLocked(client *Client) bool {
	pos := sort.Search(len(r.clients), func(i int) bool { return r.clients[i].ID >= client.ID })
	if pos < len(r.clients) && r.clients[pos].ID == client.ID {
		return false
	}
	r.clients = append(r.clients, nil)
	copy(r.clients[pos+1:], r.clients[pos:])
	r.clients[pos] = client
	return true
}

// Remove drops the client with id.
func (r *Registry) Remove(id control.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, client := range r.clients {
		if client.ID == id {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns a copy of the client with id.
func (r *Registry) Find(id control.ClientID) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client := r.findLocked(id); client != nil {
		return *client, true
	}
	return Client{}, false
}

func (r *Registry) findLocked(id control.ClientID) *Client {
	pos := sort.Search(len(r.clients), func(i int) bool { return r.clients[i].ID >= id })
	if pos < len(r.clients) && r.clients[pos].ID == id {
		return r.clients[pos]
	}
	return nil
}

// ReplaceAll swaps the roster for active in one step. Clients that remain
// keep nothing from before; every entry starts at nextControl.
func (r *Registry) ReplaceAll(active []ClientInfo, nextControl control.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = r.clients[:0]
	for _, info := range active {
		r.addLocked(&Client{ID: info.ID, Name: info.Name, NextControl: nextControl})
	}
}

// IDs lists the registered ids in ascending order.
func (r *Registry) IDs() []control.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]control.ClientID, len(r.clients))
	for i, client := range r.clients {
		ids[i] = client.ID
	}
	return ids
}

// Snapshot copies the registry in order.
func (r *Registry) Snapshot() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Client, len(r.clients))
	for i, client := range r.clients {
		out[i] = *client
	}
	return out
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Clear drops every client.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = nil
}

// updatePerf applies fn to every client under the registry lock.
func (r *Registry) updatePerf(fn func(client *Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, client := range r.clients {
		fn(client)
	}
}
