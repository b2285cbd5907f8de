package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/agentsim/model"
)

func lineGraph(t *testing.T, directed bool) *Graph {
	t.Helper()
	g := NewGraph(directed)
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "d")
	return g
}

func TestGraphPlaceRequiresKnownNode(t *testing.T) {
	g := lineGraph(t, false)

	assert.ErrorIs(t, g.Place(1, Node("z")), ErrInvalidLocation)
	assert.ErrorIs(t, g.Place(1, Node("z")), ErrUnknownNode)
	assert.ErrorIs(t, g.Place(1, Coord{}), ErrInvalidLocation)
	require.NoError(t, g.Place(1, Node("a")))

	loc, ok := g.LocationOf(1)
	require.True(t, ok)
	assert.Equal(t, Node("a"), loc)
}

func TestGraphNeighborsByHops(t *testing.T) {
	g := lineGraph(t, false)
	require.NoError(t, g.Place(1, Node("a")))
	require.NoError(t, g.Place(2, Node("b")))
	require.NoError(t, g.Place(3, Node("c")))
	require.NoError(t, g.Place(4, Node("d")))
	require.NoError(t, g.Place(5, Node("b")))

	ids, err := g.Neighbors(Node("b"), Relation{})
	require.NoError(t, err)
	assert.Equal(t, []model.AgentID{1, 3}, ids)

	ids, err = g.Neighbors(Node("b"), Relation{Radius: 2, IncludeCenter: true})
	require.NoError(t, err)
	assert.Equal(t, []model.AgentID{1, 2, 3, 4, 5}, ids)

	ids, err = g.Neighbors(Node("b"), Relation{Neighborhood: Colocated})
	require.NoError(t, err)
	assert.Equal(t, []model.AgentID{2, 5}, ids)
}

func TestGraphDirectedEdges(t *testing.T) {
	g := lineGraph(t, true)
	require.NoError(t, g.Place(1, Node("a")))
	require.NoError(t, g.Place(2, Node("b")))

	ids, err := g.Neighbors(Node("b"), Relation{})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = g.Neighbors(Node("a"), Relation{})
	require.NoError(t, err)
	assert.Equal(t, []model.AgentID{2}, ids)

	_, err = g.Adjacent("nope")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestGraphMoveAndCheckpoint(t *testing.T) {
	g := lineGraph(t, false)
	require.NoError(t, g.Place(1, Node("a")))
	cp := g.Checkpoint()

	require.NoError(t, g.Place(1, Node("d")))
	g.Remove(1)
	g.Remove(1)
	assert.Equal(t, 0, g.Len())

	cp.Restore()
	loc, ok := g.LocationOf(1)
	require.True(t, ok)
	assert.Equal(t, Node("a"), loc)
	assert.Equal(t, []Node{"a", "b", "c", "d"}, g.Nodes())
}
