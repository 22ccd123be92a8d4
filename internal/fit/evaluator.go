package fit

import (
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/envopt/internal/env"
)

// Indices into Result.Vector.
const (
	VecDegree = iota
	VecDepth
	VecEntropy
	VecClearance
	VecAlignment
	VecWallLength
	VecLen
)

// Timings are the durations of the evaluation phases of one candidate.
type Timings struct {
	Setup      time.Duration
	Objectives time.Duration
	Penalties  time.Duration
}

// Result is the score of one candidate.
type Result struct {
	Degree  float64
	Depth   float64
	Entropy float64

	// Clearance is the remapped buffer overlap area, Alignment the raw
	// alignment penalty and WallLength the weighted shrinkage penalty.
	Clearance  float64
	Alignment  float64
	WallLength float64

	// Vector holds weighted objectives followed by negated penalties.
	Vector  [VecLen]float64
	Fitness float64

	Timings Timings
}

// Evaluator scores materialized environments.
type Evaluator struct {
	cfg            Config
	mode           Mode
	baseWallLength float64
}

// NewEvaluator creates an evaluator. baseWallLength is the total wall length
// of the undeformed layout.
func NewEvaluator(mode Mode, cfg Config, baseWallLength float64) *Evaluator {
	return &Evaluator{cfg: cfg, mode: mode, baseWallLength: baseWallLength}
}

func (e *Evaluator) wantDegree() bool {
	return e.cfg.active(e.cfg.Weights.Degree) || e.mode.needsDegree()
}

func (e *Evaluator) wantDepth() bool {
	w := e.cfg.Weights
	return e.cfg.active(w.Depth) || e.cfg.active(w.Entropy) || e.mode.needsDepth()
}

// NeedsStructure reports whether the visibility graph has to be built.
func (e *Evaluator) NeedsStructure() bool {
	return e.wantDegree() || e.wantDepth() || e.cfg.RequireConnected
}

// Evaluate scores env. The collaborators must already hold env (see
// env.Apply).
func (e *Evaluator) Evaluate(ctx context.Context, en *env.Environment, c env.Collaborators) (Result, error) {
	var r Result
	if err := ctx.Err(); err != nil {
		return r, err
	}

	start := time.Now()
	if e.wantDegree() {
		deg, err := c.Graph.MeanDegree()
		if err != nil {
			return r, fmt.Errorf("mean degree: %w", err)
		}
		r.Degree = deg
	}
	if e.wantDepth() {
		depth, entropy, err := c.Graph.MeanDepthAndEntropy()
		if err != nil {
			return r, fmt.Errorf("mean depth and entropy: %w", err)
		}
		r.Depth, r.Entropy = depth, entropy
	}
	r.Timings.Objectives = time.Since(start)

	start = time.Now()
	e.penalties(en, &r)
	r.Timings.Penalties = time.Since(start)

	e.score(&r)
	return r, nil
}

// Penalties computes only the geometric terms of en. It does not touch any
// collaborator.
func (e *Evaluator) Penalties(en *env.Environment) Result {
	var r Result
	e.penalties(en, &r)
	e.score(&r)
	return r
}

func (e *Evaluator) penalties(en *env.Environment, r *Result) {
	w := e.cfg.Weights
	if e.cfg.active(w.Clearance) {
		area := en.Graph.MinkowskiSumIntersectionArea()
		r.Clearance = (area+1)*(area+1) - 1
	}
	if e.cfg.active(w.Alignment) {
		r.Alignment = en.Graph.AlignmentPenalty()
	}
	if e.cfg.active(w.WallLength) {
		r.WallLength = WallLengthPenalty(e.baseWallLength, en.Graph.SumWallLengths(), w.WallLength)
	}
}

func (e *Evaluator) score(r *Result) {
	w := e.cfg.Weights
	r.Vector = [VecLen]float64{
		r.Degree * w.Degree,
		r.Depth * w.Depth,
		r.Entropy * w.Entropy,
		-r.Clearance * w.Clearance,
		-r.Alignment * w.Alignment,
		-r.WallLength,
	}
	r.Fitness = e.mode.objective(r) + r.Vector[VecClearance] + r.Vector[VecAlignment] + r.Vector[VecWallLength]
}

// WallLengthPenalty is (base - deformed + 1)^2 * weight when the walls got
// shorter than in the base layout, and zero otherwise.
func WallLengthPenalty(base, deformed, weight float64) float64 {
	if deformed >= base {
		return 0
	}
	d := base - deformed + 1
	return d * d * weight
}
