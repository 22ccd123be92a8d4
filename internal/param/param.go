// Package param describes how the genes of a candidate vector deform a
// layout.
package param

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalid marks a malformed parameter or parameter set.
var ErrInvalid = errors.New("invalid parameter")

// Parameter is one gene. It moves the listed nodes and the corners of the
// listed regions with Rule.
type Parameter struct {
	Name             string
	Nodes            []int
	QueryRegions     []int
	ReferenceRegions []int
	Lower            float64
	Upper            float64
	Initial          float64
	Rule             Rule
}

// Validate checks bounds, initial value and rule.
func (p Parameter) Validate() error {
	if p.Rule == nil {
		return fmt.Errorf("%w: no update rule", ErrInvalid)
	}
	if math.IsNaN(p.Lower) || math.IsNaN(p.Upper) || p.Lower >= p.Upper {
		return fmt.Errorf("%w: bounds [%g, %g]", ErrInvalid, p.Lower, p.Upper)
	}
	if p.Initial < p.Lower || p.Initial > p.Upper {
		return fmt.Errorf("%w: initial %g outside [%g, %g]", ErrInvalid, p.Initial, p.Lower, p.Upper)
	}
	return nil
}

// Set is the ordered gene list. Candidate vectors are index-aligned to it.
type Set []Parameter

// Dim returns the search dimensionality.
func (s Set) Dim() int { return len(s) }

// Validate checks every parameter and rejects an empty set.
func (s Set) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty parameter set", ErrInvalid)
	}
	for i, p := range s {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("parameter %d (%s): %w", i, p.Name, err)
		}
	}
	return nil
}

// Bounds returns the per-gene lower and upper bounds.
func (s Set) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(s))
	upper = make([]float64, len(s))
	for i, p := range s {
		lower[i], upper[i] = p.Lower, p.Upper
	}
	return lower, upper
}

// Initial returns the starting vector x0.
func (s Set) Initial() []float64 {
	x0 := make([]float64, len(s))
	for i, p := range s {
		x0[i] = p.Initial
	}
	return x0
}

// Contains reports whether x lies within the bounds of s.
func (s Set) Contains(x []float64) bool {
	if len(x) != len(s) {
		return false
	}
	for i, p := range s {
		if x[i] < p.Lower || x[i] > p.Upper {
			return false
		}
	}
	return true
}
