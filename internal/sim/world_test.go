package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep-net/server/internal/control"
)

func TestMovePayloadRoundTrip(t *testing.T) {
	move, err := DecodeMove(MoveCommand{DX: -7, DY: 300}.Encode())
	require.NoError(t, err)
	assert.Equal(t, MoveCommand{DX: -7, DY: 300}, move)

	_, err = DecodeMove([]byte{0x80})
	assert.Error(t, err)
}

func TestWorldAppliesControlInOrder(t *testing.T) {
	world := NewWorld(0, Deps{})
	world.ExecControl(control.New(Spawn(1, "a"), Move(1, 2, 3), Move(1, -1, 0), Move(2, 5, 5)))

	snapshot := world.Snapshot()
	require.Len(t, snapshot.Entities, 1)
	assert.Equal(t, Entity{Owner: 1, Name: "a", X: 1, Y: 3}, snapshot.Entities[0])
	assert.Equal(t, uint64(3), snapshot.Executed, "the move without an entity is ignored")

	world.ExecSingle(Remove(1))
	assert.Empty(t, world.Snapshot().Entities)
}

func TestWorldHashIsDeterministic(t *testing.T) {
	run := func(order ...control.Command) [32]byte {
		world := NewWorld(0, Deps{})
		world.ExecControl(control.New(order...))
		world.EndTick()
		world.ExecControl(control.New(Move(2, 1, 1)))
		world.EndTick()
		return world.StateHash()
	}
	a := run(Spawn(1, "a"), Spawn(2, "b"))
	b := run(Spawn(1, "a"), Spawn(2, "b"))
	c := run(Spawn(2, "b"), Spawn(1, "a"))
	assert.Equal(t, a, b)
	assert.Equal(t, a, c, "entity order does not depend on insertion order")

	d := run(Spawn(1, "a"), Spawn(2, "x"))
	assert.NotEqual(t, a, d)
}

func TestWorldTickAdvancesOnlyAtEndTick(t *testing.T) {
	world := NewWorld(4, Deps{})
	world.ExecControl(control.New(Spawn(1, "a")))
	assert.Equal(t, control.Tick(4), world.ControlTick())
	assert.Equal(t, control.Tick(5), world.EndTick())
	assert.Equal(t, control.Tick(5), world.ControlTick())
}

func TestPreExecuteWaitsForResources(t *testing.T) {
	world := NewWorld(0, Deps{})
	ctrl := control.New(Spawn(1, "a"), Load(1, "map-7"))
	assert.False(t, world.PreExecute(ctrl))
	world.MarkLoaded("map-7")
	assert.True(t, world.PreExecute(ctrl))
	assert.True(t, world.PreExecute(control.Control{}))
}
