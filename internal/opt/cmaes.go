package opt

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// maxCondition bounds the condition number of the covariance matrix.
const maxCondition = 1e14

// CMAESConfig holds the strategy parameters a caller usually sets.
type CMAESConfig struct {
	Mean    []float64
	Sigma   float64
	PopSize int // 0 selects 4 + floor(3 ln n)
	FTol    float64
	XTol    float64
	Rand    *rand.Rand
}

// CMAES is a covariance matrix adaptation evolution strategy with active
// (negative weight) covariance update.
type CMAES struct {
	n      int
	lambda int
	mu     int

	weights []float64 // length lambda, negative tail for active update
	mueff   float64
	cc, cs  float64
	c1, cmu float64
	damps   float64
	chiN    float64

	mean  []float64
	sigma float64
	c     *mat.SymDense
	b     *mat.Dense
	d     []float64
	pc    []float64
	ps    []float64

	ftol, xtol float64
	history    []float64
	histLen    int

	pop  [][]float64 // genotypes of the last Ask
	ys   [][]float64 // (x - mean) / sigma for each candidate
	iter int
	rng  *rand.Rand

	stop StopReason
}

var _ Strategy = (*CMAES)(nil)

// NewCMAES creates a strategy centered at cfg.Mean.
func NewCMAES(cfg CMAESConfig) (*CMAES, error) {
	n := len(cfg.Mean)
	if n == 0 {
		return nil, fmt.Errorf("cmaes: zero dimension")
	}
	if cfg.Sigma <= 0 {
		return nil, fmt.Errorf("cmaes: sigma must be positive, got %g", cfg.Sigma)
	}
	lambda := cfg.PopSize
	if lambda <= 0 {
		lambda = 4 + int(3*math.Log(float64(n)))
	}
	if lambda < 2 {
		lambda = 2
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	es := &CMAES{
		n:      n,
		lambda: lambda,
		mu:     lambda / 2,
		mean:   append([]float64(nil), cfg.Mean...),
		sigma:  cfg.Sigma,
		ftol:   cfg.FTol,
		xtol:   cfg.XTol,
		rng:    rng,
	}
	es.initWeights()

	fn := float64(n)
	es.cc = (4 + es.mueff/fn) / (fn + 4 + 2*es.mueff/fn)
	es.cs = (es.mueff + 2) / (fn + es.mueff + 5)
	es.c1 = 2 / ((fn+1.3)*(fn+1.3) + es.mueff)
	es.cmu = math.Min(1-es.c1, 2*(es.mueff-2+1/es.mueff)/((fn+2)*(fn+2)+es.mueff))
	es.damps = 1 + 2*math.Max(0, math.Sqrt((es.mueff-1)/(fn+1))-1) + es.cs
	es.chiN = math.Sqrt(fn) * (1 - 1/(4*fn) + 1/(21*fn*fn))
	es.scaleNegativeWeights()

	es.c = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		es.c.SetSym(i, i, 1)
	}
	es.b = mat.NewDense(n, n, nil)
	es.d = make([]float64, n)
	for i := 0; i < n; i++ {
		es.b.Set(i, i, 1)
		es.d[i] = 1
	}
	es.pc = make([]float64, n)
	es.ps = make([]float64, n)
	es.histLen = 10 + int(math.Ceil(30*fn/float64(lambda)))
	return es, nil
}

func (es *CMAES) initWeights() {
	es.weights = make([]float64, es.lambda)
	for i := range es.weights {
		es.weights[i] = math.Log(float64(es.lambda+1)/2) - math.Log(float64(i+1))
	}
	var pos, pos2 float64
	for _, w := range es.weights[:es.mu] {
		pos += w
	}
	for i := range es.weights[:es.mu] {
		es.weights[i] /= pos
		pos2 += es.weights[i] * es.weights[i]
	}
	es.mueff = 1 / pos2
}

// scaleNegativeWeights normalizes the tail so the covariance stays positive
// definite.
func (es *CMAES) scaleNegativeWeights() {
	var neg, neg2 float64
	for _, w := range es.weights[es.mu:] {
		if w < 0 {
			neg += -w
			neg2 += w * w
		}
	}
	if neg == 0 {
		return
	}
	mueffNeg := neg * neg / neg2
	alphaMu := 1 + es.c1/es.cmu
	alphaMueff := 1 + 2*mueffNeg/(es.mueff+2)
	alphaPosDef := (1 - es.c1 - es.cmu) / (float64(es.n) * es.cmu)
	scale := math.Min(alphaMu, math.Min(alphaMueff, alphaPosDef)) / neg
	for i := es.mu; i < es.lambda; i++ {
		if es.weights[i] < 0 {
			es.weights[i] *= scale
		} else {
			es.weights[i] = 0
		}
	}
}

func (es *CMAES) PopSize() int { return es.lambda }

func (es *CMAES) Iteration() int { return es.iter }

func (es *CMAES) Sigma() float64 { return es.sigma }

func (es *CMAES) Mean() []float64 { return append([]float64(nil), es.mean...) }

// Weights returns the recombination weights, best rank first.
func (es *CMAES) Weights() []float64 { return append([]float64(nil), es.weights...) }

// Ask samples lambda genotypes from N(mean, sigma^2 C).
func (es *CMAES) Ask() [][]float64 {
	es.pop = make([][]float64, es.lambda)
	es.ys = make([][]float64, es.lambda)
	for k := range es.pop {
		es.sample(k)
	}
	out := make([][]float64, es.lambda)
	for k, x := range es.pop {
		out[k] = append([]float64(nil), x...)
	}
	return out
}

// Resample draws a fresh candidate for slot i of the current population.
func (es *CMAES) Resample(i int) []float64 {
	es.sample(i)
	return append([]float64(nil), es.pop[i]...)
}

func (es *CMAES) sample(k int) {
	dz := mat.NewVecDense(es.n, nil)
	for i := 0; i < es.n; i++ {
		dz.SetVec(i, es.d[i]*es.rng.NormFloat64())
	}
	var y mat.VecDense
	y.MulVec(es.b, dz)
	ys := make([]float64, es.n)
	x := make([]float64, es.n)
	for i := range x {
		ys[i] = y.AtVec(i)
		x[i] = es.mean[i] + es.sigma*ys[i]
	}
	es.ys[k] = ys
	es.pop[k] = x
}

// invSqrtC returns C^(-1/2) v.
func (es *CMAES) invSqrtC(v []float64) []float64 {
	var t mat.VecDense
	t.MulVec(es.b.T(), mat.NewVecDense(es.n, append([]float64(nil), v...)))
	for i := 0; i < es.n; i++ {
		t.SetVec(i, t.AtVec(i)/es.d[i])
	}
	var out mat.VecDense
	out.MulVec(es.b, &t)
	return out.RawVector().Data
}

// Tell updates the distribution from the costs of the last Ask, lower is
// better.
func (es *CMAES) Tell(costs []float64) error {
	if es.pop == nil || len(costs) != es.lambda {
		return fmt.Errorf("%w: got %d, want %d", ErrPopulation, len(costs), es.lambda)
	}
	for _, c := range costs {
		if math.IsNaN(c) {
			es.stop = StopNumerical
			return nil
		}
	}

	idx := make([]int, es.lambda)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return costs[idx[a]] < costs[idx[b]] })

	fn := float64(es.n)

	// mean
	yw := make([]float64, es.n)
	for r := 0; r < es.mu; r++ {
		floats.AddScaled(yw, es.weights[r], es.ys[idx[r]])
	}
	floats.AddScaled(es.mean, es.sigma, yw)

	// step size path
	zw := es.invSqrtC(yw)
	floats.Scale(1-es.cs, es.ps)
	floats.AddScaled(es.ps, math.Sqrt(es.cs*(2-es.cs)*es.mueff), zw)
	psNorm := floats.Norm(es.ps, 2)
	hsig := 0.0
	if psNorm/math.Sqrt(1-math.Pow(1-es.cs, 2*float64(es.iter+1))) < (1.4+2/(fn+1))*es.chiN {
		hsig = 1
	}

	// covariance path
	floats.Scale(1-es.cc, es.pc)
	floats.AddScaled(es.pc, hsig*math.Sqrt(es.cc*(2-es.cc)*es.mueff), yw)

	// covariance
	var wsum float64
	for _, w := range es.weights {
		wsum += w
	}
	delta := (1 - hsig) * es.cc * (2 - es.cc)
	es.c.ScaleSym(1+es.c1*delta-es.c1-es.cmu*wsum, es.c)
	es.c.SymRankOne(es.c, es.c1, mat.NewVecDense(es.n, append([]float64(nil), es.pc...)))
	for r := 0; r < es.lambda; r++ {
		w := es.weights[r]
		if w == 0 {
			continue
		}
		y := es.ys[idx[r]]
		if w < 0 {
			z := es.invSqrtC(y)
			nz := floats.Dot(z, z)
			if nz == 0 {
				continue
			}
			w *= fn / nz
		}
		es.c.SymRankOne(es.c, es.cmu*w, mat.NewVecDense(es.n, append([]float64(nil), y...)))
	}

	// step size
	es.sigma *= math.Exp(es.cs / es.damps * (psNorm/es.chiN - 1))

	es.iter++
	es.history = append(es.history, costs[idx[0]])
	if len(es.history) > es.histLen {
		es.history = es.history[1:]
	}

	if err := es.decompose(); err != nil {
		es.stop = StopNumerical
		return nil
	}
	es.checkStop(costs)
	return nil
}

func (es *CMAES) decompose() error {
	var eig mat.EigenSym
	if ok := eig.Factorize(es.c, true); !ok {
		return fmt.Errorf("cmaes: eigendecomposition failed")
	}
	vals := eig.Values(nil)
	eig.VectorsTo(es.b)
	for i, v := range vals {
		if v < 1e-20 {
			v = 1e-20
		}
		es.d[i] = math.Sqrt(v)
	}
	return nil
}

func (es *CMAES) checkStop(costs []float64) {
	if math.IsNaN(es.sigma) || math.IsInf(es.sigma, 0) || es.sigma == 0 {
		es.stop = StopNumerical
		return
	}
	if es.ftol > 0 && len(es.history) >= es.histLen {
		if floats.Max(es.history)-floats.Min(es.history) <= es.ftol &&
			floats.Max(costs)-floats.Min(costs) <= es.ftol {
			es.stop = StopFTol
			return
		}
	}
	if es.xtol > 0 {
		small := true
		for i := 0; i < es.n; i++ {
			if es.sigma*math.Sqrt(es.c.At(i, i)) >= es.xtol || es.sigma*math.Abs(es.pc[i]) >= es.xtol {
				small = false
				break
			}
		}
		if small {
			es.stop = StopXTol
			return
		}
	}
	if floats.Max(es.d)*floats.Max(es.d) > maxCondition*floats.Min(es.d)*floats.Min(es.d) {
		es.stop = StopCondition
	}
}

func (es *CMAES) Stop() (StopReason, bool) {
	return es.stop, es.stop != StopNone
}
