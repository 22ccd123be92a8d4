package graph

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Document is the serialized form of a layout. It is used both for problem
// files and for raw round snapshots, so a snapshot can be loaded back as a
// base layout.
type Document struct {
	Clearance        float64     `yaml:"clearance" json:"clearance" validate:"gte=0"`
	Nodes            []NodeDoc   `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`
	Edges            [][2]int    `yaml:"edges" json:"edges"`
	QueryRegions     []RegionDoc `yaml:"query_regions,omitempty" json:"queryRegions,omitempty" validate:"dive"`
	ReferenceRegions []RegionDoc `yaml:"reference_regions,omitempty" json:"referenceRegions,omitempty" validate:"dive"`
}

// NodeDoc is a serialized node.
type NodeDoc struct {
	ID  int        `yaml:"id" json:"id"`
	Pos [3]float64 `yaml:"pos,flow" json:"pos"`
}

// RegionDoc is a serialized region.
type RegionDoc struct {
	Min [3]float64 `yaml:"min,flow" json:"min"`
	Max [3]float64 `yaml:"max,flow" json:"max"`
}

// Build creates the graph and regions described by the document.
func (d Document) Build() (*Graph, Regions, error) {
	g := New(d.Clearance)
	for _, n := range d.Nodes {
		if err := g.AddNode(n.ID, Vec(n.Pos)); err != nil {
			return nil, Regions{}, err
		}
	}
	for i, e := range d.Edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, Regions{}, fmt.Errorf("edge %d: %w", i, err)
		}
	}
	regions := Regions{
		Query:     make([]Region, len(d.QueryRegions)),
		Reference: make([]Region, len(d.ReferenceRegions)),
	}
	for i, r := range d.QueryRegions {
		regions.Query[i] = Region{Min: Vec(r.Min), Max: Vec(r.Max)}
	}
	for i, r := range d.ReferenceRegions {
		regions.Reference[i] = Region{Min: Vec(r.Min), Max: Vec(r.Max)}
	}
	return g, regions, nil
}

// NewDocument captures the current state of g and regions.
func NewDocument(g *Graph, regions Regions) Document {
	d := Document{
		Clearance: g.clearance,
		Nodes:     make([]NodeDoc, 0, g.NodeCount()),
		Edges:     make([][2]int, 0, g.EdgeCount()),
	}
	for _, n := range g.Nodes() {
		d.Nodes = append(d.Nodes, NodeDoc{ID: n.ID, Pos: arr(n.Pos)})
	}
	for _, e := range g.edges {
		d.Edges = append(d.Edges, [2]int{e.Origin, e.End})
	}
	for _, r := range regions.Query {
		d.QueryRegions = append(d.QueryRegions, RegionDoc{Min: arr(r.Min), Max: arr(r.Max)})
	}
	for _, r := range regions.Reference {
		d.ReferenceRegions = append(d.ReferenceRegions, RegionDoc{Min: arr(r.Min), Max: arr(r.Max)})
	}
	return d
}

// Vec converts a serialized position.
func Vec(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

func arr(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
