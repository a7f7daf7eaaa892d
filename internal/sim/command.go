package sim

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"lockstep-net/server/internal/control"
)

// Command types understood by the demo world.
const (
	CommandSpawn  control.CommandType = 1
	CommandMove   control.CommandType = 2
	CommandRemove control.CommandType = 3
	// CommandLoad references a resource that must be present on every node
	// before the control carrying it may execute.
	CommandLoad control.CommandType = 4
)

var errBadPayload = errors.New("sim: malformed command payload")

// MoveCommand carries a movement delta for the submitting client's entity.
type MoveCommand struct {
	DX int32
	DY int32
}

// Encode renders the move as a command payload.
func (m MoveCommand) Encode() []byte {
	b := protowire.AppendVarint(nil, protowire.EncodeZigZag(int64(m.DX)))
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.DY)))
}

// DecodeMove parses a payload produced by MoveCommand.Encode.
func DecodeMove(b []byte) (MoveCommand, error) {
	dx, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return MoveCommand{}, fmt.Errorf("%w: dx: %v", errBadPayload, protowire.ParseError(n))
	}
	dy, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return MoveCommand{}, fmt.Errorf("%w: dy: %v", errBadPayload, protowire.ParseError(m))
	}
	return MoveCommand{
		DX: int32(protowire.DecodeZigZag(dx)),
		DY: int32(protowire.DecodeZigZag(dy)),
	}, nil
}

// Move builds a move command submitted by client.
func Move(client control.ClientID, dx, dy int32) control.Command {
	return control.Command{Type: CommandMove, ByClient: client, Payload: MoveCommand{DX: dx, DY: dy}.Encode()}
}

// Spawn builds a command creating the entity of client.
func Spawn(client control.ClientID, name string) control.Command {
	return control.Command{Type: CommandSpawn, ByClient: client, Payload: []byte(name)}
}

// Remove builds a command deleting the entity of client.
func Remove(client control.ClientID) control.Command {
	return control.Command{Type: CommandRemove, ByClient: client}
}

// Load builds a command that requires resource to be loaded.
func Load(client control.ClientID, resource string) control.Command {
	return control.Command{Type: CommandLoad, ByClient: client, Payload: []byte(resource)}
}
