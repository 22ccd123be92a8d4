package graph

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrUnknownNode is returned when an id does not name a node of the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode is returned when a node id is added twice.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrShared is returned when the topology of a frozen or cloned graph is modified.
	ErrShared = errors.New("graph topology is shared with its clone source")
)

// Node is a positioned landmark. Nodes are repositioned during optimization
// but never removed.
type Node struct {
	ID  int
	Pos r3.Vec
}

// Edge is a wall segment between two nodes.
type Edge struct {
	Origin int
	End    int
}

// Graph stores nodes in a dense arena indexed by insertion order. Topology
// (ids, edges, incidence) is immutable once a graph has been cloned; only
// positions and the derived buffers are copied per clone.
type Graph struct {
	ids      []int
	index    map[int]int
	edges    []Edge
	incident [][]int // node index -> edge indices

	pos     []r3.Vec
	buffers []Polygon // per edge, nil until computed

	clearance float64
	shared    bool
}

// New creates an empty graph whose buffers use the given clearance distance.
func New(clearance float64) *Graph {
	return &Graph{
		index:     make(map[int]int),
		clearance: clearance,
	}
}

// AddNode inserts a node at the given position.
func (g *Graph) AddNode(id int, pos r3.Vec) error {
	if g.shared {
		return ErrShared
	}
	if _, ok := g.index[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateNode, id)
	}
	g.index[id] = len(g.ids)
	g.ids = append(g.ids, id)
	g.pos = append(g.pos, pos)
	g.incident = append(g.incident, nil)
	return nil
}

// AddEdge connects two existing nodes.
func (g *Graph) AddEdge(origin, end int) error {
	if g.shared {
		return ErrShared
	}
	oi, ok := g.index[origin]
	if !ok {
		return fmt.Errorf("%w: edge origin %d", ErrUnknownNode, origin)
	}
	ei, ok := g.index[end]
	if !ok {
		return fmt.Errorf("%w: edge end %d", ErrUnknownNode, end)
	}
	k := len(g.edges)
	g.edges = append(g.edges, Edge{Origin: origin, End: end})
	g.buffers = append(g.buffers, nil)
	g.incident[oi] = append(g.incident[oi], k)
	if ei != oi {
		g.incident[ei] = append(g.incident[ei], k)
	}
	return nil
}

// Freeze forbids further topology changes. Graphs that are cloned
// concurrently must be frozen first.
func (g *Graph) Freeze() { g.shared = true }

// Clone returns a copy that can be repositioned independently. The clone
// shares topology with the receiver and cannot add nodes or edges.
func (g *Graph) Clone() *Graph {
	pos := make([]r3.Vec, len(g.pos))
	copy(pos, g.pos)
	buffers := make([]Polygon, len(g.buffers))
	copy(buffers, g.buffers)
	return &Graph{
		ids:       g.ids,
		index:     g.index,
		edges:     g.edges,
		incident:  g.incident,
		pos:       pos,
		buffers:   buffers,
		clearance: g.clearance,
		shared:    true,
	}
}

// Copy returns an independent deep copy whose topology is frozen. Later
// changes to the receiver do not affect it.
func (g *Graph) Copy() *Graph {
	index := make(map[int]int, len(g.index))
	for id, i := range g.index {
		index[id] = i
	}
	incident := make([][]int, len(g.incident))
	for i, inc := range g.incident {
		incident[i] = append([]int(nil), inc...)
	}
	c := g.Clone()
	c.ids = append([]int(nil), g.ids...)
	c.index = index
	c.edges = append([]Edge(nil), g.edges...)
	c.incident = incident
	return c
}

// Validate checks that every edge references existing nodes.
func (g *Graph) Validate() error {
	for i, e := range g.edges {
		if !g.HasNode(e.Origin) {
			return fmt.Errorf("edge %d: %w: %d", i, ErrUnknownNode, e.Origin)
		}
		if !g.HasNode(e.End) {
			return fmt.Errorf("edge %d: %w: %d", i, ErrUnknownNode, e.End)
		}
	}
	return nil
}

func (g *Graph) NodeCount() int { return len(g.ids) }

func (g *Graph) EdgeCount() int { return len(g.edges) }

func (g *Graph) Clearance() float64 { return g.clearance }

// SetClearance changes the buffer distance and drops all computed buffers.
func (g *Graph) SetClearance(c float64) {
	g.clearance = c
	for k := range g.buffers {
		g.buffers[k] = nil
	}
}

// HasNode reports whether id names a node.
func (g *Graph) HasNode(id int) bool {
	_, ok := g.index[id]
	return ok
}

// Position returns the position of node id.
func (g *Graph) Position(id int) (r3.Vec, error) {
	i, ok := g.index[id]
	if !ok {
		return r3.Vec{}, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return g.pos[i], nil
}

// SetPosition moves node id. Buffers are not refreshed; call
// UpdateMinkowskiSums with the moved ids.
func (g *Graph) SetPosition(id int, p r3.Vec) error {
	i, ok := g.index[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	g.pos[i] = p
	return nil
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node {
	nodes := make([]Node, len(g.ids))
	for i, id := range g.ids {
		nodes[i] = Node{ID: id, Pos: g.pos[i]}
	}
	return nodes
}

// Edges returns the edge list. The slice must not be modified.
func (g *Graph) Edges() []Edge { return g.edges }

// Endpoints returns the positions of edge k.
func (g *Graph) Endpoints(k int) (r3.Vec, r3.Vec) {
	e := g.edges[k]
	return g.pos[g.index[e.Origin]], g.pos[g.index[e.End]]
}

// EdgeLength returns the euclidean length of edge k.
func (g *Graph) EdgeLength(k int) float64 {
	a, b := g.Endpoints(k)
	return r3.Norm(r3.Sub(b, a))
}

// SumWallLengths returns the total length of all edges.
func (g *Graph) SumWallLengths() float64 {
	var sum float64
	for k := range g.edges {
		sum += g.EdgeLength(k)
	}
	return sum
}

// AlignmentPenalty is zero when every wall runs along the x or z axis and
// grows to one per wall at 45 degrees. Degenerate walls are ignored.
func (g *Graph) AlignmentPenalty() float64 {
	var penalty float64
	for k := range g.edges {
		a, b := g.Endpoints(k)
		dx, dz := b.X-a.X, b.Z-a.Z
		if dx == 0 && dz == 0 {
			continue
		}
		s := math.Sin(2 * math.Atan2(dz, dx))
		penalty += s * s
	}
	return penalty
}
