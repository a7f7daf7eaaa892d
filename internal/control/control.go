package control

import "time"

// Tick identifies a control tick, the unit of lockstep agreement.
type Tick int32

// NoTick marks an unset tick, e.g. "no target tick".
const NoTick Tick = -1

// ClientID identifies a participant of the synchronized session.
type ClientID int32

const (
	// AllClients owns the merged, authoritative packet for a tick.
	AllClients ClientID = -1
	// Unknown owns queued sync control that is not tied to a submitter.
	Unknown ClientID = -2
	// HostID is the client id reserved for the session host.
	HostID ClientID = 0
)

// CommandType is an opaque command discriminator owned by the simulation.
type CommandType uint32

// Command is a single opaque simulation command.
type Command struct {
	Type     CommandType
	ByClient ClientID
	Payload  []byte
}

// Clone returns a deep copy of the command.
func (c Command) Clone() Command {
	cloned := c
	if c.Payload != nil {
		cloned.Payload = append([]byte(nil), c.Payload...)
	}
	return cloned
}

// Control is an ordered, appendable list of commands. Merging is
// concatenation, so the order of Append calls is part of the result.
type Control struct {
	commands []Command
}

// New builds a control from the given commands in order.
func New(cmds ...Command) Control {
	var c Control
	for _, cmd := range cmds {
		c.Add(cmd)
	}
	return c
}

// Add appends a copy of cmd.
func (c *Control) Add(cmd Command) {
	c.commands = append(c.commands, cmd.Clone())
}

// Append appends copies of every command of other.
func (c *Control) Append(other Control) {
	for _, cmd := range other.commands {
		c.Add(cmd)
	}
}

// Clear drops all commands.
func (c *Control) Clear() {
	c.commands = nil
}

// Len reports the number of commands.
func (c Control) Len() int {
	return len(c.commands)
}

// Empty reports whether the control carries no commands.
func (c Control) Empty() bool {
	return len(c.commands) == 0
}

// Commands returns a copy of the command list.
func (c Control) Commands() []Command {
	if len(c.commands) == 0 {
		return nil
	}
	copied := make([]Command, len(c.commands))
	for i, cmd := range c.commands {
		copied[i] = cmd.Clone()
	}
	return copied
}

// Clone returns a deep copy.
func (c Control) Clone() Control {
	return Control{commands: c.Commands()}
}

// Packet is one (owner, tick) contribution held by the packet store.
type Packet struct {
	Owner      ClientID
	Tick       Tick
	Control    Control
	ReceivedAt time.Time
}

// Key identifies a packet in the store.
type Key struct {
	Owner ClientID
	Tick  Tick
}

// Key returns the packet's store key.
func (p *Packet) Key() Key {
	return Key{Owner: p.Owner, Tick: p.Tick}
}

// Merged reports whether the packet is the authoritative merge for its tick.
func (p *Packet) Merged() bool {
	return p.Owner == AllClients
}
