package env

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/envopt/internal/graph"
	"github.com/cwbudde/envopt/internal/param"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrConfig marks a parameter set that does not fit the base layout.
	ErrConfig = errors.New("configuration error")
	// ErrDimension is returned when a vector does not match the parameter count.
	ErrDimension = errors.New("vector length does not match parameter count")
)

// Obstacle dimensions pushed for every wall.
const (
	ObstacleHeight      = 0.1
	ObstacleBaseOffset  = 0.0
	ObstacleHeightScale = 1.0
)

// Environment is one materialized candidate.
type Environment struct {
	X         []float64
	Graph     *graph.Graph
	Regions   graph.Regions
	Obstacles []Obstacle
	Touched   map[int]struct{}
}

// Materializer deforms a fixed base layout. It is safe for concurrent use.
type Materializer struct {
	base           *graph.Graph
	regions        graph.Regions
	params         param.Set
	baseWallLength float64
}

// NewMaterializer checks that every parameter references existing nodes and
// regions. It works on a private copy of base, which stays untouched.
func NewMaterializer(base *graph.Graph, regions graph.Regions, params param.Set, clearance float64) (*Materializer, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: nil base graph", ErrConfig)
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if clearance < 0 {
		return nil, fmt.Errorf("%w: negative clearance %g", ErrConfig, clearance)
	}
	for i, p := range params {
		for _, id := range p.Nodes {
			if !base.HasNode(id) {
				return nil, fmt.Errorf("%w: parameter %d: unknown node %d", ErrConfig, i, id)
			}
		}
		for _, r := range p.QueryRegions {
			if r < 0 || r >= len(regions.Query) {
				return nil, fmt.Errorf("%w: parameter %d: query region %d out of range", ErrConfig, i, r)
			}
		}
		for _, r := range p.ReferenceRegions {
			if r < 0 || r >= len(regions.Reference) {
				return nil, fmt.Errorf("%w: parameter %d: reference region %d out of range", ErrConfig, i, r)
			}
		}
	}

	working := base.Copy()
	working.SetClearance(clearance)
	working.ComputeMinkowskiSums()

	return &Materializer{
		base:           working,
		regions:        regions.Clone(),
		params:         params,
		baseWallLength: working.SumWallLengths(),
	}, nil
}

// Dim returns the number of genes.
func (m *Materializer) Dim() int { return m.params.Dim() }

// Params returns the parameter set.
func (m *Materializer) Params() param.Set { return m.params }

// BaseWallLength is the total wall length of the undeformed layout.
func (m *Materializer) BaseWallLength() float64 { return m.baseWallLength }

// Materialize applies x to copies of the base graph and regions. Genes are
// applied in order, so genes that share a node compose.
func (m *Materializer) Materialize(x []float64) (*Environment, error) {
	if len(x) != m.params.Dim() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(x), m.params.Dim())
	}

	g := m.base.Clone()
	regions := m.regions.Clone()
	touched := make(map[int]struct{})

	for p, prm := range m.params {
		for _, id := range prm.Nodes {
			pos, err := g.Position(id)
			if err != nil {
				return nil, err
			}
			if err := g.SetPosition(id, prm.Rule.UpdatedPosition(x[p], pos)); err != nil {
				return nil, err
			}
			touched[id] = struct{}{}
		}
		for _, r := range prm.QueryRegions {
			reg := &regions.Query[r]
			reg.Min = prm.Rule.UpdatedPosition(x[p], reg.Min)
			reg.Max = prm.Rule.UpdatedPosition(x[p], reg.Max)
		}
		for _, r := range prm.ReferenceRegions {
			reg := &regions.Reference[r]
			reg.Min = prm.Rule.UpdatedPosition(x[p], reg.Min)
			reg.Max = prm.Rule.UpdatedPosition(x[p], reg.Max)
		}
	}

	g.UpdateMinkowskiSums(touched)

	xc := make([]float64, len(x))
	copy(xc, x)
	return &Environment{
		X:         xc,
		Graph:     g,
		Regions:   regions,
		Obstacles: Obstacles(g, touched),
		Touched:   touched,
	}, nil
}

// Obstacles derives one oriented obstacle per wall of g.
func Obstacles(g *graph.Graph, touched map[int]struct{}) []Obstacle {
	edges := g.Edges()
	out := make([]Obstacle, len(edges))
	for k, e := range edges {
		a, b := g.Endpoints(k)
		_, movedA := touched[e.Origin]
		_, movedB := touched[e.End]
		theta := math.Atan2(b.Z-a.Z, b.X-a.X) * 180 / math.Pi
		out[k] = Obstacle{
			Center:       r3.Scale(0.5, r3.Add(a, b)),
			Length:       g.EdgeLength(k),
			Height:       ObstacleHeight,
			BaseOffset:   ObstacleBaseOffset,
			HeightScale:  ObstacleHeightScale,
			AngleDegrees: -theta,
			Static:       !movedA && !movedB,
		}
	}
	return out
}

// Apply pushes env into the collaborators: the world is rebuilt from the
// obstacle list and the visibility graph gets the deformed regions. The
// visibility graph is only built when build is set.
func Apply(ctx context.Context, c Collaborators, env *Environment, build bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.World.Clear(); err != nil {
		return fmt.Errorf("clear world: %w", err)
	}
	if err := c.World.ResetSimulation(); err != nil {
		return fmt.Errorf("reset simulation: %w", err)
	}
	for i, o := range env.Obstacles {
		if err := c.World.AddOrientedObstacle(o); err != nil {
			return fmt.Errorf("add obstacle %d: %w", i, err)
		}
	}
	if err := c.World.RestartSimulation(); err != nil {
		return fmt.Errorf("restart simulation: %w", err)
	}

	c.Graph.ClearGraph()
	for _, r := range env.Regions.Query {
		c.Graph.AddQueryRegion(r.Min, r.Max)
	}
	for _, r := range env.Regions.Reference {
		c.Graph.AddReferenceRegion(r.Min, r.Max)
	}
	if !build {
		return nil
	}
	if err := c.Graph.Build(ctx); err != nil {
		return fmt.Errorf("build visibility graph: %w", err)
	}
	return nil
}

// Release clears the world after an evaluation.
func Release(w World) error {
	if err := w.Clear(); err != nil {
		return fmt.Errorf("release world: %w", err)
	}
	return nil
}
