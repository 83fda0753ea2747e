package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelsOrdersDependencies(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"fetch", "clean", "report", "archive"} {
		g.AddNode(Node{ID: id})
	}
	// fetch -> clean -> report, fetch -> archive
	require.NoError(t, g.AddEdge("fetch", "clean"))
	require.NoError(t, g.AddEdge("clean", "report"))
	require.NoError(t, g.AddEdge("fetch", "archive"))

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, "fetch", levels[0][0].ID)
	// Peers within a level come back sorted by id.
	require.Len(t, levels[1], 2)
	assert.Equal(t, "archive", levels[1][0].ID)
	assert.Equal(t, "clean", levels[1][1].ID)
	assert.Equal(t, "report", levels[2][0].ID)
}

func TestLevelsUnconnectedNodesShareOneLevel(t *testing.T) {
	g := NewGraph()
	g.AddNode(Node{ID: "b"})
	g.AddNode(Node{ID: "a"})
	g.AddNode(Node{ID: "c"})

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"a", "b", "c"}, []string{levels[0][0].ID, levels[0][1].ID, levels[0][2].ID})
}

func TestLevelsRejectsCycle(t *testing.T) {
	g := NewGraph()
	g.AddNode(Node{ID: "a"})
	g.AddNode(Node{ID: "b"})
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "a"))

	_, err := g.Levels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestAddEdgeRequiresKnownNodes(t *testing.T) {
	g := NewGraph()
	g.AddNode(Node{ID: "a"})
	assert.Error(t, g.AddEdge("a", "ghost"))
	assert.Error(t, g.AddEdge("ghost", "a"))
}

func TestLevelsEmptyGraph(t *testing.T) {
	levels, err := NewGraph().Levels()
	require.NoError(t, err)
	assert.Empty(t, levels)
}
