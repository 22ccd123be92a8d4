package graph

import "gonum.org/v1/gonum/spatial/r3"

// Region is an axis-aligned volume given by two corners.
type Region struct {
	Min r3.Vec
	Max r3.Vec
}

// Regions holds query and reference regions indexed by region id.
type Regions struct {
	Query     []Region
	Reference []Region
}

// Clone returns an independent copy.
func (r Regions) Clone() Regions {
	out := Regions{
		Query:     make([]Region, len(r.Query)),
		Reference: make([]Region, len(r.Reference)),
	}
	copy(out.Query, r.Query)
	copy(out.Reference, r.Reference)
	return out
}
