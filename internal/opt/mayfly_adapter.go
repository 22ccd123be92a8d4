package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minMayflyPop is the smallest population mayfly accepts.
const minMayflyPop = 20

// MayflyAdapter runs the mayfly library behind the Optimizer interface. The search runs in the uniform genotype box so per-gene bounds
// are honoured even though the library takes scalar bounds.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly returns an adapter running maxIters iterations of popSize
// mayflies. Smaller populations are raised to the library minimum.
func NewMayfly(maxIters, popSize int, seed int64) *MayflyAdapter {
	if popSize < minMayflyPop {
		popSize = minMayflyPop
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// PopSize returns the population size handed to the library.
func (m *MayflyAdapter) PopSize() int { return m.popSize }

func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	if dim == 0 || len(lower) != dim || len(upper) != dim {
		return nil, 0, fmt.Errorf("mayfly: bounds do not match dimension %d", dim)
	}
	gp := NewGenoPheno(lower, upper)

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(g []float64) float64 { return eval(gp.Pheno(g)) }
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = GenotypeScale

	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}
	return gp.Pheno(result.GlobalBest.Position), result.GlobalBest.Cost, nil
}
