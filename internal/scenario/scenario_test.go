package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/roadgraph"
)

const sample = `
name: bridge closure
events:
  - tick: 150
    kind: unblock_edges
    incident: bridge
  - tick: 100
    kind: block_edges
    incident: bridge
    edges: ["n_4_5->n_5_5", "n_5_5->n_4_5"]
  - tick: 0
    kind: spawn_vehicle
    vehicle: ambulance-1
    origin: n_0_0
    destination: n_9_9
    emergency: true
  - tick: 100
    kind: crisis_directive
    from: n_0_5
    to: n_9_5
`

func TestParseOrdersByTick(t *testing.T) {
	s, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "bridge closure", s.Name)
	require.Len(t, s.Events, 4)

	kinds := make([]Kind, len(s.Events))
	for i, e := range s.Events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []Kind{SpawnVehicle, BlockEdges, CrisisDirective, UnblockEdges}, kinds)
	assert.True(t, s.Events[0].Emergency)
	assert.Equal(t, []roadgraph.EdgeID{"n_4_5->n_5_5", "n_5_5->n_4_5"}, s.Events[1].EdgeIDs())
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte("events:\n  - tick: 1\n    kind: teleport\n"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestValidateOnlyChecksEdges(t *testing.T) {
	g, err := roadgraph.NewGrid(10, 10, 100, 10)
	require.NoError(t, err)

	s, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.NoError(t, s.Validate(g))

	s.Events = append(s.Events, Event{Tick: 5, Kind: BlockEdges, Edges: []string{"n_0_0->n_9_9"}})
	assert.ErrorIs(t, s.Validate(g), roadgraph.ErrUnknownEdge)

	// Unknown nodes are not a validation concern.
	s.Events = []Event{{Tick: 1, Kind: SpawnVehicle, Origin: "nowhere", Destination: "n_0_0"}}
	assert.NoError(t, s.Validate(g))
}

func TestStreamDue(t *testing.T) {
	s, err := Parse([]byte(sample))
	require.NoError(t, err)
	st := s.Stream()

	assert.Len(t, st.Due(0), 1)
	assert.Empty(t, st.Due(0))
	assert.Empty(t, st.Due(99))
	assert.Len(t, st.Due(100), 2)
	assert.Equal(t, 1, st.Remaining())
	assert.Len(t, st.Due(1000), 1)
	assert.Zero(t, st.Remaining())

	var none *Scenario
	assert.Empty(t, none.Stream().Due(10))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Events, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
