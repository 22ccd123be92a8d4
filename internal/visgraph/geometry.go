package visgraph

import (
	"math"

	"github.com/cwbudde/envopt/internal/env"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// minThickness keeps zero-height obstacles blocking.
const minThickness = 1e-3

// rect is an obstacle footprint in the x/z plane expressed as a center, a unit
// axis along the wall and half extents.
type rect struct {
	center r2.Vec
	u, v   r2.Vec
	hu, hv float64
}

func footprint(o env.Obstacle) rect {
	a := -o.AngleDegrees * math.Pi / 180
	sin, cos := math.Sincos(a)
	thickness := math.Max(o.Height, minThickness)
	return rect{
		center: r2.Vec{X: o.Center.X, Y: o.Center.Z},
		u:      r2.Vec{X: cos, Y: sin},
		v:      r2.Vec{X: -sin, Y: cos},
		hu:     o.Length / 2,
		hv:     thickness / 2,
	}
}

func (r rect) local(p r2.Vec) r2.Vec {
	d := r2.Sub(p, r.center)
	return r2.Vec{X: r2.Dot(d, r.u), Y: r2.Dot(d, r.v)}
}

func (r rect) contains(p r2.Vec) bool {
	l := r.local(p)
	return math.Abs(l.X) <= r.hu && math.Abs(l.Y) <= r.hv
}

// blocks reports whether segment pq crosses the rectangle, using the slab
// test in the rectangle's frame.
func (r rect) blocks(p, q r2.Vec) bool {
	a, b := r.local(p), r.local(q)
	d := r2.Sub(b, a)
	t0, t1 := 0.0, 1.0
	clip := func(start, delta, half float64) bool {
		if delta == 0 {
			return math.Abs(start) <= half
		}
		ta := (-half - start) / delta
		tb := (half - start) / delta
		if ta > tb {
			ta, tb = tb, ta
		}
		t0 = math.Max(t0, ta)
		t1 = math.Min(t1, tb)
		return t0 <= t1
	}
	return clip(a.X, d.X, r.hu) && clip(a.Y, d.Y, r.hv)
}

// maxRegionSamples caps the grid of one region.
const maxRegionSamples = 1 << 12

// gridSamples places points spaced by step inside the x/z extent of a region.
// The grid is centered so that a region narrower than step still yields one
// sample. The step is doubled until the grid has at most maxRegionSamples
// points.
func gridSamples(min, max r3.Vec, step float64) []r2.Vec {
	x0, x1 := math.Min(min.X, max.X), math.Max(min.X, max.X)
	z0, z1 := math.Min(min.Z, max.Z), math.Max(min.Z, max.Z)
	for (math.Floor((x1-x0)/step)+1)*(math.Floor((z1-z0)/step)+1) > maxRegionSamples {
		step *= 2
	}
	nx := int(math.Floor((x1-x0)/step)) + 1
	nz := int(math.Floor((z1-z0)/step)) + 1
	ox := x0 + ((x1-x0)-float64(nx-1)*step)/2
	oz := z0 + ((z1-z0)-float64(nz-1)*step)/2

	pts := make([]r2.Vec, 0, nx*nz)
	for i := 0; i < nx; i++ {
		for j := 0; j < nz; j++ {
			pts = append(pts, r2.Vec{X: ox + float64(i)*step, Y: oz + float64(j)*step})
		}
	}
	return pts
}
