package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// parallelWalls builds two walls of length 10 running along x, separated by
// gap along z.
func parallelWalls(t *testing.T, clearance, gap float64) *Graph {
	t.Helper()
	g := New(clearance)
	require.NoError(t, g.AddNode(1, r3.Vec{X: 0, Z: 0}))
	require.NoError(t, g.AddNode(2, r3.Vec{X: 10, Z: 0}))
	require.NoError(t, g.AddNode(3, r3.Vec{X: 0, Z: gap}))
	require.NoError(t, g.AddNode(4, r3.Vec{X: 10, Z: gap}))
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(3, 4))
	return g
}

func TestAddEdgeUnknownNode(t *testing.T) {
	g := New(0)
	require.NoError(t, g.AddNode(1, r3.Vec{}))

	err := g.AddEdge(1, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownNode)

	err = g.AddNode(1, r3.Vec{X: 1})
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestCloneIsIndependent(t *testing.T) {
	g := parallelWalls(t, 0.5, 5)
	g.Freeze()

	c := g.Clone()
	require.NoError(t, c.SetPosition(2, r3.Vec{X: 3}))

	orig, err := g.Position(2)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 10}, orig)

	moved, err := c.Position(2)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 3}, moved)

	assert.Equal(t, g.NodeCount(), c.NodeCount())
	assert.Equal(t, g.EdgeCount(), c.EdgeCount())
	assert.ErrorIs(t, c.AddNode(9, r3.Vec{}), ErrShared)
	assert.ErrorIs(t, g.AddEdge(1, 3), ErrShared)
}

func TestCopyIsDetached(t *testing.T) {
	g := parallelWalls(t, 0.5, 5)
	c := g.Copy()

	require.NoError(t, g.AddNode(5, r3.Vec{X: 20}))
	require.NoError(t, g.AddEdge(2, 5))

	assert.Equal(t, 4, c.NodeCount())
	assert.Equal(t, 2, c.EdgeCount())
	assert.False(t, c.HasNode(5))
	assert.ErrorIs(t, c.AddNode(6, r3.Vec{}), ErrShared)

	clone := c.Clone()
	require.NoError(t, clone.SetPosition(2, r3.Vec{X: 3}))
	pos, err := c.Position(2)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 10}, pos)
}

func TestSumWallLengths(t *testing.T) {
	g := parallelWalls(t, 0, 5)
	assert.InDelta(t, 20.0, g.SumWallLengths(), 1e-12)
	assert.InDelta(t, 10.0, g.EdgeLength(0), 1e-12)
}

func TestAlignmentPenalty(t *testing.T) {
	tests := []struct {
		name string
		end  r3.Vec
		want float64
	}{
		{"along x", r3.Vec{X: 4}, 0},
		{"along z", r3.Vec{Z: -3}, 0},
		{"diagonal", r3.Vec{X: 2, Z: 2}, 1},
		{"degenerate", r3.Vec{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(0)
			require.NoError(t, g.AddNode(1, r3.Vec{}))
			require.NoError(t, g.AddNode(2, tt.end))
			require.NoError(t, g.AddEdge(1, 2))
			assert.InDelta(t, tt.want, g.AlignmentPenalty(), 1e-12)
		})
	}
}

func TestIntersectionAreaSquares(t *testing.T) {
	square := func(x, y float64) Polygon {
		return Polygon{{X: x, Y: y}, {X: x + 1, Y: y}, {X: x + 1, Y: y + 1}, {X: x, Y: y + 1}}
	}
	assert.InDelta(t, 1.0, square(0, 0).Area(), 1e-12)
	assert.InDelta(t, 0.5, IntersectionArea(square(0, 0), square(0.5, 0)), 1e-12)
	assert.InDelta(t, 0.25, IntersectionArea(square(0, 0), square(0.5, 0.5)), 1e-12)
	assert.Zero(t, IntersectionArea(square(0, 0), square(3, 0)))
}

func TestSegmentBufferContainsSegment(t *testing.T) {
	buf := SegmentBuffer(r2.Vec{}, r2.Vec{X: 4}, 1)
	lo, hi := buf.Bounds()
	assert.InDelta(t, -1.0, lo.X, 1e-12)
	assert.InDelta(t, 5.0, hi.X, 1e-12)
	assert.InDelta(t, -1.0, lo.Y, 1e-12)
	assert.InDelta(t, 1.0, hi.Y, 1e-12)
	assert.Greater(t, buf.Area(), 8.0)
}

func TestMinkowskiSumIntersectionArea(t *testing.T) {
	t.Run("separated walls have no overlap", func(t *testing.T) {
		g := parallelWalls(t, 0.5, 5)
		g.ComputeMinkowskiSums()
		assert.Zero(t, g.MinkowskiSumIntersectionArea())
	})

	t.Run("close walls overlap", func(t *testing.T) {
		g := parallelWalls(t, 0.5, 0.8)
		g.ComputeMinkowskiSums()
		assert.Greater(t, g.MinkowskiSumIntersectionArea(), 0.0)
	})

	t.Run("overlap grows as walls approach", func(t *testing.T) {
		prev := -1.0
		for _, gap := range []float64{0.9, 0.6, 0.3, 0.1} {
			g := parallelWalls(t, 0.5, gap)
			g.ComputeMinkowskiSums()
			area := g.MinkowskiSumIntersectionArea()
			assert.Greater(t, area, prev, "gap %.1f", gap)
			prev = area
		}
	})

	t.Run("adjacent walls are ignored", func(t *testing.T) {
		g := New(0.5)
		require.NoError(t, g.AddNode(1, r3.Vec{}))
		require.NoError(t, g.AddNode(2, r3.Vec{X: 5}))
		require.NoError(t, g.AddNode(3, r3.Vec{X: 5, Z: 5}))
		require.NoError(t, g.AddEdge(1, 2))
		require.NoError(t, g.AddEdge(2, 3))
		g.ComputeMinkowskiSums()
		assert.Zero(t, g.MinkowskiSumIntersectionArea())
	})
}

func TestUpdateMinkowskiSumsOnlyTouchesIncidentEdges(t *testing.T) {
	g := parallelWalls(t, 0.5, 5)
	g.ComputeMinkowskiSums()
	before := g.Buffer(1)

	require.NoError(t, g.SetPosition(1, r3.Vec{X: 0, Z: 4.6}))
	require.NoError(t, g.SetPosition(2, r3.Vec{X: 10, Z: 4.6}))
	g.UpdateMinkowskiSums(map[int]struct{}{1: {}, 2: {}})

	assert.Equal(t, before, g.Buffer(1))
	assert.Greater(t, g.MinkowskiSumIntersectionArea(), 0.0)
}

func TestDocumentBuildRoundTrip(t *testing.T) {
	doc := Document{
		Clearance: 0.25,
		Nodes: []NodeDoc{
			{ID: 10, Pos: [3]float64{0, 0, 0}},
			{ID: 11, Pos: [3]float64{3, 0, 4}},
		},
		Edges:            [][2]int{{10, 11}},
		QueryRegions:     []RegionDoc{{Min: [3]float64{-1, 0, -1}, Max: [3]float64{1, 0, 1}}},
		ReferenceRegions: []RegionDoc{{Min: [3]float64{2, 0, 3}, Max: [3]float64{4, 0, 5}}},
	}

	g, regions, err := doc.Build()
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.Equal(t, 2, g.NodeCount())
	assert.InDelta(t, 5.0, g.SumWallLengths(), 1e-12)
	require.Len(t, regions.Query, 1)
	require.Len(t, regions.Reference, 1)
	assert.Equal(t, r3.Vec{X: 2, Z: 3}, regions.Reference[0].Min)

	assert.Equal(t, doc, NewDocument(g, regions))
}

func TestDocumentBuildRejectsDanglingEdge(t *testing.T) {
	doc := Document{
		Nodes: []NodeDoc{{ID: 1}},
		Edges: [][2]int{{1, 2}},
	}
	_, _, err := doc.Build()
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestRegionsClone(t *testing.T) {
	r := Regions{Query: []Region{{Max: r3.Vec{X: 1}}}}
	c := r.Clone()
	c.Query[0].Max.X = 7
	assert.Equal(t, 1.0, r.Query[0].Max.X)
}
