package lockstep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep-net/server/internal/control"
)

func TestRegistryStaysSorted(t *testing.T) {
	registry := NewRegistry()
	for _, id := range []control.ClientID{4, 1, 3, 2} {
		require.True(t, registry.Add(id, "", 0))
	}
	assert.False(t, registry.Add(3, "again", 9))
	assert.Equal(t, []control.ClientID{1, 2, 3, 4}, registry.IDs())

	client, ok := registry.Find(3)
	require.True(t, ok)
	assert.Equal(t, control.Tick(0), client.NextControl)

	assert.True(t, registry.Remove(2))
	assert.False(t, registry.Remove(2))
	assert.Equal(t, []control.ClientID{1, 3, 4}, registry.IDs())
}

func TestRegistryReplaceAll(t *testing.T) {
	registry := NewRegistry()
	registry.Add(1, "old", 1)
	registry.Add(5, "gone", 1)

	registry.ReplaceAll([]ClientInfo{{ID: 7, Name: "g"}, {ID: 1, Name: "a"}, {ID: 3, Name: "c"}}, 12)
	assert.Equal(t, []control.ClientID{1, 3, 7}, registry.IDs())
	snapshot := registry.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "a", snapshot[0].Name)
	assert.Equal(t, control.Tick(12), snapshot[0].NextControl)
	_, ok := registry.Find(5)
	assert.False(t, ok)
}

func TestClientPerfAverage(t *testing.T) {
	var client Client
	client.AddPerf(100)
	assert.Equal(t, int32(1), client.PerfStat())
	for i := 0; i < 1000; i++ {
		client.AddPerf(40)
	}
	assert.InDelta(t, 40, client.PerfStat(), 1)
}
