package store

import (
	"fmt"
	"time"
)

// RunConfig is the part of a run's configuration that a checkpoint keeps to
// check that a resumed run searches the same problem.
type RunConfig struct {
	ProblemPath string `json:"problemPath"`
	Mode        string `json:"mode"` // multi, ple, flow, degree
	Strategy    string `json:"strategy"`
	Dim         int    `json:"dim"`
	Rounds      int    `json:"rounds"`
	PopSize     int    `json:"popSize,omitempty"`
	Seed        int64  `json:"seed"`

	// CheckpointInterval saves a checkpoint every N rounds (0 = end of run only)
	CheckpointInterval int `json:"checkpointInterval,omitempty"`
}

// Checkpoint is the best-so-far state of a run.
//
// Only the best phenotype is kept. The strategy state (mean, covariance,
// evolution paths) is not serialized; a resumed run starts a fresh strategy
// centered on BestParams, so it is a restart from a good point rather than an
// exact continuation. The best fitness of a resumed run can therefore only
// improve on the checkpoint.
type Checkpoint struct {
	RunID string `json:"runId"`

	// BestParams is the best phenotype vector, index-aligned with the
	// problem's parameter list
	BestParams []float64 `json:"bestParams"`

	// BestFitness is the fitness of BestParams. Fitness may be negative.
	BestFitness float64 `json:"bestFitness"`

	// InitialFitness is the fitness of the initial vector of the run
	InitialFitness float64 `json:"initialFitness"`

	// Round is the number of completed rounds
	Round int `json:"round"`

	Timestamp time.Time `json:"timestamp"`

	Config RunConfig `json:"config"`
}

// CheckpointInfo is checkpoint metadata for listings.
type CheckpointInfo struct {
	RunID       string    `json:"runId"`
	BestFitness float64   `json:"bestFitness"`
	Round       int       `json:"round"`
	Timestamp   time.Time `json:"timestamp"`
	Mode        string    `json:"mode"`
	Strategy    string    `json:"strategy"`
	Dim         int       `json:"dim"`
	ProblemPath string    `json:"problemPath"`
}

// NewCheckpoint creates a checkpoint stamped with the current time.
func NewCheckpoint(runID string, bestParams []float64, bestFitness, initialFitness float64, round int, config RunConfig) *Checkpoint {
	return &Checkpoint{
		RunID:          runID,
		BestParams:     append([]float64(nil), bestParams...),
		BestFitness:    bestFitness,
		InitialFitness: initialFitness,
		Round:          round,
		Timestamp:      time.Now(),
		Config:         config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		RunID:       c.RunID,
		BestFitness: c.BestFitness,
		Round:       c.Round,
		Timestamp:   c.Timestamp,
		Mode:        c.Config.Mode,
		Strategy:    c.Config.Strategy,
		Dim:         c.Config.Dim,
		ProblemPath: c.Config.ProblemPath,
	}
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if len(c.BestParams) == 0 {
		return &ValidationError{Field: "BestParams", Reason: "cannot be empty"}
	}
	if c.Round < 0 {
		return &ValidationError{Field: "Round", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.ProblemPath == "" {
		return &ValidationError{Field: "Config.ProblemPath", Reason: "cannot be empty"}
	}
	if c.Config.Mode == "" {
		return &ValidationError{Field: "Config.Mode", Reason: "cannot be empty"}
	}
	if c.Config.Rounds < 0 {
		return &ValidationError{Field: "Config.Rounds", Reason: "cannot be negative"}
	}
	if len(c.BestParams) != c.Config.Dim {
		return &ValidationError{
			Field:  "BestParams",
			Reason: fmt.Sprintf("length mismatch: expected %d values, got %d", c.Config.Dim, len(c.BestParams)),
		}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can seed a run with config.
func (c *Checkpoint) IsCompatible(config RunConfig) error {
	if c.Config.ProblemPath != config.ProblemPath {
		return &CompatibilityError{
			Field:    "ProblemPath",
			Expected: c.Config.ProblemPath,
			Actual:   config.ProblemPath,
		}
	}
	if c.Config.Mode != config.Mode {
		return &CompatibilityError{
			Field:    "Mode",
			Expected: c.Config.Mode,
			Actual:   config.Mode,
		}
	}
	if c.Config.Dim != config.Dim {
		return &CompatibilityError{
			Field:    "Dim",
			Expected: fmt.Sprintf("%d", c.Config.Dim),
			Actual:   fmt.Sprintf("%d", config.Dim),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
