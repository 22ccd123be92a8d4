package fit

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/envopt/internal/env"
)

// ErrConfig marks an invalid run configuration. It is the same sentinel the
// materializer uses for bad parameter ids.
var ErrConfig = env.ErrConfig

// DefaultEpsilon is the weight below which a term is skipped.
const DefaultEpsilon = 1e-4

// Weights scale each metric and penalty.
type Weights struct {
	Degree     float64 `yaml:"degree" json:"degree"`
	Depth      float64 `yaml:"depth" json:"depth"`
	Entropy    float64 `yaml:"entropy" json:"entropy"`
	Clearance  float64 `yaml:"clearance" json:"clearance"`
	Alignment  float64 `yaml:"alignment" json:"alignment"`
	WallLength float64 `yaml:"wall_length" json:"wallLength"`
}

// Config is fixed for the duration of a run.
type Config struct {
	Weights  Weights `yaml:"weights" json:"weights"`
	Maximize bool    `yaml:"maximize" json:"maximize"`
	Epsilon  float64 `yaml:"epsilon" json:"epsilon" validate:"gte=0"`

	// Clearance is the buffer distance around walls.
	Clearance float64 `yaml:"clearance" json:"clearance" validate:"gte=0"`

	// MaxRounds is the round budget. Zero evaluates x0 only.
	MaxRounds int     `yaml:"max_rounds" json:"maxRounds" validate:"gte=0"`
	FTol      float64 `yaml:"ftol" json:"ftol" validate:"gte=0"`
	XTol      float64 `yaml:"xtol" json:"xtol" validate:"gte=0"`
	Sigma0    float64 `yaml:"sigma0" json:"sigma0" validate:"gt=0"`
	PopSize   int     `yaml:"pop_size" json:"popSize" validate:"gte=0"`
	Seed      int64   `yaml:"seed" json:"seed"`
	Workers   int     `yaml:"workers" json:"workers" validate:"gte=0"`
	Strategy  string  `yaml:"strategy" json:"strategy"`

	// Patience stops the run after that many rounds without a best-so-far
	// improvement of at least PatienceThreshold. Zero disables it.
	Patience          int     `yaml:"patience" json:"patience" validate:"gte=0"`
	PatienceThreshold float64 `yaml:"patience_threshold" json:"patienceThreshold" validate:"gte=0"`

	// RequireConnected resamples candidates whose visibility graph is not
	// connected, up to MaxResamples times per candidate.
	RequireConnected bool `yaml:"require_connected" json:"requireConnected"`
	MaxResamples     int  `yaml:"max_resamples" json:"maxResamples" validate:"gte=0"`

	SaveIterationData bool `yaml:"save_iteration_data" json:"saveIterationData"`
}

// DefaultConfig returns the settings used when a problem file leaves a field
// out.
func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Clearance: 1},
		Maximize:          true,
		Epsilon:           DefaultEpsilon,
		Clearance:         0.5,
		MaxRounds:         100,
		FTol:              1e-6,
		XTol:              1e-6,
		Sigma0:            0.3,
		Seed:              21,
		Workers:           1,
		Strategy:          "cmaes",
		PatienceThreshold: 0.001,
		MaxResamples:      10,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Epsilon < 0 || math.IsNaN(c.Epsilon) {
		errs = append(errs, fmt.Errorf("epsilon must be non-negative, got %g", c.Epsilon))
	}
	if c.Clearance < 0 {
		errs = append(errs, fmt.Errorf("clearance must be non-negative, got %g", c.Clearance))
	}
	if c.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("max rounds must be non-negative, got %d", c.MaxRounds))
	}
	if c.Sigma0 <= 0 {
		errs = append(errs, fmt.Errorf("sigma0 must be positive, got %g", c.Sigma0))
	}
	if c.PopSize < 0 {
		errs = append(errs, fmt.Errorf("population size must be non-negative, got %d", c.PopSize))
	}
	if c.Patience < 0 || c.MaxResamples < 0 {
		errs = append(errs, errors.New("patience and max resamples must be non-negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) active(w float64) bool {
	return math.Abs(w) > c.Epsilon
}
