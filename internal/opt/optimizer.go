package opt

import (
	"errors"
	"strings"
)

// Optimizer runs a whole minimization over a box.
type Optimizer interface {
	// Run minimizes eval within [lower, upper] and returns the best
	// parameters and their cost.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}

// Strategy is an ask/tell evolution strategy that minimizes cost.
type Strategy interface {
	// Ask samples a new population of genotypes.
	Ask() [][]float64
	// Resample replaces candidate i of the current population.
	Resample(i int) []float64
	// Tell ranks the population by cost and adapts the distribution.
	Tell(costs []float64) error
	// Stop reports whether a convergence criterion fired.
	Stop() (StopReason, bool)
	// Mean is the current distribution mean.
	Mean() []float64
	Iteration() int
	PopSize() int
}

// StopReason names the criterion that ended a run.
type StopReason string

const (
	StopNone       StopReason = ""
	StopBudget     StopReason = "budget"
	StopFTol       StopReason = "ftol"
	StopXTol       StopReason = "xtol"
	StopCondition  StopReason = "condition"
	StopNumerical  StopReason = "numerical"
	StopPatience   StopReason = "patience"
	StopCancelled  StopReason = "cancelled"
	StopEvaluation StopReason = "error"
)

// Strategy names.
const (
	NameCMAES  = "cmaes"
	NameMayfly = "mayfly"
)

// ErrUnknownStrategy is returned for an unrecognised strategy name.
var ErrUnknownStrategy = errors.New("unknown strategy")

// ErrPopulation is returned when Tell receives the wrong number of costs.
var ErrPopulation = errors.New("cost count does not match population")

// NormalizeStrategy maps user input to a canonical strategy name.
func NormalizeStrategy(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cma", "cmaes", "cma-es", "acmaes":
		return NameCMAES
	case "mayfly", "ma":
		return NameMayfly
	default:
		return name
	}
}

// SupportedStrategies lists the accepted strategy names.
func SupportedStrategies() []string {
	return []string{NameCMAES, NameMayfly}
}
