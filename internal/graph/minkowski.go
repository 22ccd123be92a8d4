package graph

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// bufferSides is the number of sides of the regular polygon that
// approximates the clearance disk.
const bufferSides = 8

// Polygon is a convex polygon in the x/z plane with counter-clockwise winding.
type Polygon []r2.Vec

// Area returns the enclosed area using the shoelace formula.
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var a float64
	for i := range p {
		j := (i + 1) % len(p)
		a += r2.Cross(p[i], p[j])
	}
	return math.Abs(a) / 2
}

// Bounds returns the axis-aligned bounding box of the polygon.
func (p Polygon) Bounds() (lo, hi r2.Vec) {
	if len(p) == 0 {
		return
	}
	lo, hi = p[0], p[0]
	for _, v := range p[1:] {
		lo.X, lo.Y = math.Min(lo.X, v.X), math.Min(lo.Y, v.Y)
		hi.X, hi.Y = math.Max(hi.X, v.X), math.Max(hi.Y, v.Y)
	}
	return lo, hi
}

// SegmentBuffer returns the Minkowski sum of segment ab with a regular
// polygon of circumradius r.
func SegmentBuffer(a, b r2.Vec, r float64) Polygon {
	if r <= 0 {
		return convexHull([]r2.Vec{a, b})
	}
	pts := make([]r2.Vec, 0, 2*bufferSides)
	for k := 0; k < bufferSides; k++ {
		theta := 2 * math.Pi * float64(k) / bufferSides
		off := r2.Vec{X: r * math.Cos(theta), Y: r * math.Sin(theta)}
		pts = append(pts, r2.Add(a, off), r2.Add(b, off))
	}
	return convexHull(pts)
}

// IntersectionArea returns the area shared by two convex polygons.
func IntersectionArea(a, b Polygon) float64 {
	if len(a) < 3 || len(b) < 3 {
		return 0
	}
	alo, ahi := a.Bounds()
	blo, bhi := b.Bounds()
	if alo.X > bhi.X || blo.X > ahi.X || alo.Y > bhi.Y || blo.Y > ahi.Y {
		return 0
	}
	return clipConvex(a, b).Area()
}

// ComputeMinkowskiSums rebuilds the buffer of every edge.
func (g *Graph) ComputeMinkowskiSums() {
	for k := range g.edges {
		g.buffers[k] = g.edgeBuffer(k)
	}
}

// UpdateMinkowskiSums rebuilds the buffers of edges incident to any of the
// given nodes. Buffers of untouched edges are kept.
func (g *Graph) UpdateMinkowskiSums(touched map[int]struct{}) {
	for id := range touched {
		i, ok := g.index[id]
		if !ok {
			continue
		}
		for _, k := range g.incident[i] {
			g.buffers[k] = g.edgeBuffer(k)
		}
	}
}

// Buffer returns the buffer polygon of edge k, computing it if needed.
func (g *Graph) Buffer(k int) Polygon {
	if g.buffers[k] == nil {
		g.buffers[k] = g.edgeBuffer(k)
	}
	return g.buffers[k]
}

// MinkowskiSumIntersectionArea sums the pairwise overlap of the buffers of
// walls that do not share a node.
func (g *Graph) MinkowskiSumIntersectionArea() float64 {
	var area float64
	for i := range g.edges {
		for j := i + 1; j < len(g.edges); j++ {
			if g.adjacent(i, j) {
				continue
			}
			area += IntersectionArea(g.Buffer(i), g.Buffer(j))
		}
	}
	return area
}

func (g *Graph) adjacent(i, j int) bool {
	a, b := g.edges[i], g.edges[j]
	return a.Origin == b.Origin || a.Origin == b.End || a.End == b.Origin || a.End == b.End
}

func (g *Graph) edgeBuffer(k int) Polygon {
	a, b := g.Endpoints(k)
	return SegmentBuffer(r2.Vec{X: a.X, Y: a.Z}, r2.Vec{X: b.X, Y: b.Z}, g.clearance)
}

// convexHull uses Andrew's monotone chain and returns a counter-clockwise hull.
func convexHull(pts []r2.Vec) Polygon {
	ps := make([]r2.Vec, len(pts))
	copy(ps, pts)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].X != ps[j].X {
			return ps[i].X < ps[j].X
		}
		return ps[i].Y < ps[j].Y
	})
	if len(ps) < 3 {
		return Polygon(ps)
	}
	turn := func(o, a, b r2.Vec) float64 {
		return r2.Cross(r2.Sub(a, o), r2.Sub(b, o))
	}
	hull := make([]r2.Vec, 0, 2*len(ps))
	for _, p := range ps {
		for len(hull) >= 2 && turn(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(ps) - 2; i >= 0; i-- {
		p := ps[i]
		for len(hull) >= lower && turn(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return Polygon(hull[:len(hull)-1])
}

// clipConvex clips subject against the convex, counter-clockwise polygon clip
// (Sutherland-Hodgman).
func clipConvex(subject, clip Polygon) Polygon {
	out := subject
	for i := range clip {
		if len(out) == 0 {
			break
		}
		a, b := clip[i], clip[(i+1)%len(clip)]
		edge := r2.Sub(b, a)
		inside := func(p r2.Vec) bool { return r2.Cross(edge, r2.Sub(p, a)) >= 0 }
		in := out
		out = make(Polygon, 0, len(in)+1)
		for j := range in {
			cur, prev := in[j], in[(j+len(in)-1)%len(in)]
			curIn, prevIn := inside(cur), inside(prev)
			if curIn {
				if !prevIn {
					out = append(out, lineIntersect(prev, cur, a, b))
				}
				out = append(out, cur)
			} else if prevIn {
				out = append(out, lineIntersect(prev, cur, a, b))
			}
		}
	}
	return out
}

func lineIntersect(p, q, a, b r2.Vec) r2.Vec {
	d := r2.Sub(q, p)
	e := r2.Sub(b, a)
	den := r2.Cross(d, e)
	if den == 0 {
		return q
	}
	t := r2.Cross(r2.Sub(a, p), e) / den
	return r2.Add(p, r2.Scale(t, d))
}
