package opt

import "math"

// GenotypeScale is the width of the box every gene is scaled into.
const GenotypeScale = 10.0

// GenoPheno maps genotypes to bounded phenotypes. Each gene is scaled
// linearly so that [0, GenotypeScale] covers [lower, upper], and values
// outside are folded back with a piecewise quadratic boundary transform, so
// every genotype has a feasible phenotype and the mapping is continuous.
type GenoPheno struct {
	lower, upper []float64
}

// NewGenoPheno creates a transform for the given bounds.
func NewGenoPheno(lower, upper []float64) GenoPheno {
	lo := make([]float64, len(lower))
	hi := make([]float64, len(upper))
	copy(lo, lower)
	copy(hi, upper)
	return GenoPheno{lower: lo, upper: hi}
}

func (gp GenoPheno) Dim() int { return len(gp.lower) }

// Sigma converts a step size given as a fraction of the parameter range into
// genotype units.
func (gp GenoPheno) Sigma(fraction float64) float64 {
	return fraction * GenotypeScale
}

// Pheno returns the phenotype of g.
func (gp GenoPheno) Pheno(g []float64) []float64 {
	x := make([]float64, len(g))
	for i, v := range g {
		b := boundTransform(v, 0, GenotypeScale)
		x[i] = gp.lower[i] + (gp.upper[i]-gp.lower[i])*b/GenotypeScale
	}
	return x
}

// Geno returns a genotype whose phenotype is x. Values of x outside the
// bounds are clamped first.
func (gp GenoPheno) Geno(x []float64) []float64 {
	g := make([]float64, len(x))
	for i, v := range x {
		span := gp.upper[i] - gp.lower[i]
		s := (v - gp.lower[i]) / span * GenotypeScale
		s = math.Max(0, math.Min(GenotypeScale, s))
		g[i] = inverseBoundTransform(s, 0, GenotypeScale)
	}
	return g
}

func boundMargins(lb, ub float64) (al, au float64) {
	al = math.Min((ub-lb)/2, (1+math.Abs(lb))/20)
	au = math.Min((ub-lb)/2, (1+math.Abs(ub))/20)
	return al, au
}

// boundTransform folds x into [lb, ub]. It is the identity on
// [lb+al, ub-au] and quadratic in the margins. Infinite x maps to the bound
// of its sign and NaN to lb.
func boundTransform(x, lb, ub float64) float64 {
	switch {
	case math.IsNaN(x), math.IsInf(x, -1):
		return lb
	case math.IsInf(x, 1):
		return ub
	}

	al, au := boundMargins(lb, ub)
	xlow := lb - 2*al - (ub-lb)/2
	xup := ub + 2*au + (ub-lb)/2
	r := 2 * (ub - lb + al + au)

	// The transform has period r, and [xlow, xup] spans exactly one period.
	if x < xlow || x > xup {
		x = math.Mod(x-xlow, r)
		if x < 0 {
			x += r
		}
		x += xlow
	}
	if x < lb-al {
		x += 2 * (lb - al - x)
	}
	if x > ub+au {
		x -= 2 * (x - ub - au)
	}

	switch {
	case x < lb+al:
		return lb + (x-(lb-al))*(x-(lb-al))/4/al
	case x > ub-au:
		return ub - (x-(ub+au))*(x-(ub+au))/4/au
	}
	return x
}

func inverseBoundTransform(x, lb, ub float64) float64 {
	al, au := boundMargins(lb, ub)
	switch {
	case x < lb+al:
		return lb - al + 2*math.Sqrt(al*(x-lb))
	case x > ub-au:
		return ub + au - 2*math.Sqrt(au*(ub-x))
	}
	return x
}
