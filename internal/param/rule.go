package param

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Rule maps a gene value and a base position to a deformed position. Rules
// are pure and are applied identically to nodes and region corners.
type Rule interface {
	UpdatedPosition(gene float64, base r3.Vec) r3.Vec
}

// Axis selects a coordinate.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// ParseAxis accepts "x", "y" or "z".
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x", "":
		return AxisX, nil
	case "y":
		return AxisY, nil
	case "z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("%w: unknown axis %q", ErrInvalid, s)
}

func (a Axis) String() string {
	return [...]string{"x", "y", "z"}[a]
}

// Unit returns the unit vector along the axis.
func (a Axis) Unit() r3.Vec {
	switch a {
	case AxisY:
		return r3.Vec{Y: 1}
	case AxisZ:
		return r3.Vec{Z: 1}
	}
	return r3.Vec{X: 1}
}

func (a Axis) set(v r3.Vec, value float64) r3.Vec {
	switch a {
	case AxisY:
		v.Y = value
	case AxisZ:
		v.Z = value
	default:
		v.X = value
	}
	return v
}

// Translate moves the base position along Axis by the gene value.
type Translate struct {
	Axis Axis
}

func (r Translate) UpdatedPosition(gene float64, base r3.Vec) r3.Vec {
	return r3.Add(base, r3.Scale(gene, r.Axis.Unit()))
}

// Absolute replaces the Axis coordinate of the base position with the gene
// value. Applying it twice with the same gene is idempotent.
type Absolute struct {
	Axis Axis
}

func (r Absolute) UpdatedPosition(gene float64, base r3.Vec) r3.Vec {
	return r.Axis.set(base, gene)
}

// Rotate turns the base position about Pivot in the x/z plane by gene
// degrees (counter-clockwise seen from +y).
type Rotate struct {
	Pivot r3.Vec
}

func (r Rotate) UpdatedPosition(gene float64, base r3.Vec) r3.Vec {
	rad := gene * math.Pi / 180
	sin, cos := math.Sincos(rad)
	d := r3.Sub(base, r.Pivot)
	return r3.Vec{
		X: r.Pivot.X + d.X*cos - d.Z*sin,
		Y: base.Y,
		Z: r.Pivot.Z + d.X*sin + d.Z*cos,
	}
}

// Scale moves the base position away from Pivot by the gene factor.
type Scale struct {
	Pivot r3.Vec
}

func (r Scale) UpdatedPosition(gene float64, base r3.Vec) r3.Vec {
	return r3.Add(r.Pivot, r3.Scale(gene, r3.Sub(base, r.Pivot)))
}

// Rule kinds accepted by NewRule.
const (
	KindTranslate = "translate"
	KindAbsolute  = "absolute"
	KindRotate    = "rotate"
	KindScale     = "scale"
)

// Kinds lists the accepted rule kinds.
func Kinds() []string {
	return []string{KindTranslate, KindAbsolute, KindRotate, KindScale}
}

// NewRule builds a rule by kind name. Axis is used by translate and absolute,
// pivot by rotate and scale.
func NewRule(kind, axis string, pivot r3.Vec) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindTranslate, "":
		a, err := ParseAxis(axis)
		if err != nil {
			return nil, err
		}
		return Translate{Axis: a}, nil
	case KindAbsolute:
		a, err := ParseAxis(axis)
		if err != nil {
			return nil, err
		}
		return Absolute{Axis: a}, nil
	case KindRotate:
		return Rotate{Pivot: pivot}, nil
	case KindScale:
		return Scale{Pivot: pivot}, nil
	}
	return nil, fmt.Errorf("%w: unknown rule %q (supported: %s)", ErrInvalid, kind, strings.Join(Kinds(), ", "))
}
