package fit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/envopt/internal/env"
	"github.com/cwbudde/envopt/internal/graph"
	"github.com/cwbudde/envopt/internal/opt"
	"github.com/cwbudde/envopt/internal/param"
	"github.com/cwbudde/envopt/internal/store"
)

// Snapshotter persists the best-so-far environment of a round.
type Snapshotter interface {
	Snapshot(round int, e *env.Environment) error
}

// Problem is the fixed input of a run.
type Problem struct {
	Mode    Mode
	Params  param.Set
	Graph   *graph.Graph
	Regions graph.Regions
	Config  Config

	// Collaborators is the pair used for sequential evaluation.
	Collaborators env.Collaborators

	// NewCollaborators creates one isolated pair per worker. It is only used
	// when Config.Workers > 1.
	NewCollaborators env.CollaboratorFactory
}

// RoundStats describes a finished round.
type RoundStats struct {
	Round       int
	Fitness     float64
	BestFitness float64
	BestX       []float64
	Best        Result
	Evaluations int
	Elapsed     time.Duration
}

// Options are the optional hooks of a run.
type Options struct {
	// X0 overrides the initial values of the parameter set.
	X0 []float64

	Recorder  store.Recorder
	Snapshots Snapshotter

	// OnRound is called after every round, round 0 included.
	OnRound func(RoundStats)

	Logger *slog.Logger
}

// OptimizationResult is the outcome of a run.
type OptimizationResult struct {
	BestX          []float64
	BestFitness    float64
	InitialFitness float64
	Best           Result
	Rounds         int
	Evaluations    int
	Elapsed        time.Duration
	StopReason     opt.StopReason

	// Layout is the materialized best-so-far environment.
	Layout *env.Environment
}

// ElapsedSeconds returns the wall time of the run in seconds.
func (r *OptimizationResult) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

type candidate struct {
	x      []float64
	env    *env.Environment
	result Result
}

// Driver runs the round loop of one optimization.
type Driver struct {
	problem Problem
	opts    Options
	log     *slog.Logger
	mat     *env.Materializer
	eval    *Evaluator
	gp      opt.GenoPheno
	x0      []float64

	pool     chan env.Collaborators
	parallel bool

	mu       sync.Mutex
	evals    int
	evalTime time.Duration

	best  candidate
	start time.Time
}

// NewDriver validates p and prepares the materializer and evaluator.
func NewDriver(p Problem, opts Options) (*Driver, error) {
	if p.Graph == nil {
		return nil, fmt.Errorf("%w: no base graph", ErrConfig)
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseMode(p.Mode.String()); err != nil {
		return nil, err
	}
	strategy := opt.NormalizeStrategy(p.Config.Strategy)
	if strategy != opt.NameCMAES && strategy != opt.NameMayfly {
		return nil, fmt.Errorf("%w: %w %q", ErrConfig, opt.ErrUnknownStrategy, p.Config.Strategy)
	}
	p.Config.Strategy = strategy

	parallel := p.Config.Workers > 1 && p.NewCollaborators != nil
	if !parallel && (p.Collaborators.World == nil || p.Collaborators.Graph == nil) {
		return nil, fmt.Errorf("%w: no collaborators", ErrConfig)
	}

	mat, err := env.NewMaterializer(p.Graph, p.Regions, p.Params, p.Config.Clearance)
	if err != nil {
		return nil, err
	}
	lower, upper := p.Params.Bounds()

	x0 := p.Params.Initial()
	if opts.X0 != nil {
		if len(opts.X0) != len(x0) {
			return nil, fmt.Errorf("%w: initial vector has %d values, want %d", ErrConfig, len(opts.X0), len(x0))
		}
		x0 = append([]float64(nil), opts.X0...)
	}
	for i, v := range x0 {
		if v < lower[i] || v > upper[i] || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: initial value %g of %s outside [%g, %g]",
				ErrConfig, v, p.Params[i].Name, lower[i], upper[i])
		}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Driver{
		problem:  p,
		opts:     opts,
		log:      log,
		mat:      mat,
		eval:     NewEvaluator(p.Mode, p.Config, mat.BaseWallLength()),
		gp:       opt.NewGenoPheno(lower, upper),
		x0:       x0,
		parallel: parallel,
	}, nil
}

// Run optimizes p and returns the best layout found.
func Run(ctx context.Context, p Problem, opts Options) (*OptimizationResult, error) {
	d, err := NewDriver(p, opts)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx)
}

// Optimize runs a sequential optimization of params over base with a budget
// of rounds.
func Optimize(ctx context.Context, mode Mode, params param.Set, base *graph.Graph, regions graph.Regions,
	cfg Config, budget int, c env.Collaborators) (*OptimizationResult, error) {
	cfg.MaxRounds = budget
	return Run(ctx, Problem{
		Mode:          mode,
		Params:        params,
		Graph:         base,
		Regions:       regions,
		Config:        cfg,
		Collaborators: c,
	}, Options{})
}

// Run executes the round loop. Evaluation errors abort the run; cancelling
// ctx ends it with the best-so-far result.
func (d *Driver) Run(ctx context.Context) (*OptimizationResult, error) {
	res, err := d.run(ctx)
	if err != nil {
		d.log.Error("Optimization aborted", "mode", d.problem.Mode.String(), "error", err)
		return nil, err
	}
	return res, nil
}

func (d *Driver) run(ctx context.Context) (*OptimizationResult, error) {
	cfg := d.problem.Config
	d.start = time.Now()

	cleanup, err := d.setupPool()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if d.opts.Recorder != nil {
		if err := d.opts.Recorder.WriteHeader(store.RecordFields); err != nil {
			d.log.Warn("Failed to write record header", "error", err)
		}
	}

	d.log.Info("Starting optimization",
		"mode", d.problem.Mode.String(),
		"strategy", cfg.Strategy,
		"dim", d.mat.Dim(),
		"rounds", cfg.MaxRounds,
		"workers", cap(d.pool),
	)

	c := <-d.pool
	initial, _, err := d.evaluate(ctx, c, d.x0, false)
	d.pool <- c
	if err != nil {
		return nil, fmt.Errorf("evaluate initial vector: %w", err)
	}
	d.best = initial
	d.finishRound(0, []candidate{initial})

	res := &OptimizationResult{InitialFitness: initial.result.Fitness, StopReason: opt.StopBudget}
	if cfg.MaxRounds > 0 {
		var rounds int
		var reason opt.StopReason
		if cfg.Strategy == opt.NameMayfly {
			rounds, reason, err = d.runMayfly(ctx)
		} else {
			rounds, reason, err = d.runStrategy(ctx)
		}
		if err != nil {
			return nil, err
		}
		res.Rounds, res.StopReason = rounds, reason
	}

	res.BestX = append([]float64(nil), d.best.x...)
	res.BestFitness = d.best.result.Fitness
	res.Best = d.best.result
	res.Layout = d.best.env
	res.Evaluations = d.evaluations()
	res.Elapsed = time.Since(d.start)

	d.log.Info("Optimization finished",
		"best_fitness", res.BestFitness,
		"initial_fitness", res.InitialFitness,
		"rounds", res.Rounds,
		"evaluations", res.Evaluations,
		"stop_reason", string(res.StopReason),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// setupPool fills the collaborator pool: one pair per worker when a factory
// is available, the problem's pair otherwise.
func (d *Driver) setupPool() (func(), error) {
	if !d.parallel {
		d.pool = make(chan env.Collaborators, 1)
		d.pool <- d.problem.Collaborators
		return func() {}, nil
	}

	n := d.problem.Config.Workers
	d.pool = make(chan env.Collaborators, n)
	var cleanups []func()
	cleanup := func() {
		for _, f := range cleanups {
			f()
		}
	}
	for i := 0; i < n; i++ {
		c, done, err := d.problem.NewCollaborators()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("create collaborators for worker %d: %w", i, err)
		}
		if done != nil {
			cleanups = append(cleanups, done)
		}
		d.pool <- c
	}
	return cleanup, nil
}

// runStrategy is the ask/tell loop of CMA-ES.
func (d *Driver) runStrategy(ctx context.Context) (int, opt.StopReason, error) {
	cfg := d.problem.Config
	es, err := opt.NewCMAES(opt.CMAESConfig{
		Mean:    d.gp.Geno(d.x0),
		Sigma:   d.gp.Sigma(cfg.Sigma0),
		PopSize: cfg.PopSize,
		FTol:    cfg.FTol,
		XTol:    cfg.XTol,
		Rand:    rand.New(rand.NewSource(cfg.Seed)),
	})
	if err != nil {
		return 0, opt.StopNone, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	stall := newStallDetector(cfg)

	round := 0
	for round < cfg.MaxRounds {
		if ctx.Err() != nil {
			return round, opt.StopCancelled, nil
		}

		genos := es.Ask()
		cands, err := d.evaluatePopulation(ctx, es, genos)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return round, opt.StopCancelled, nil
			}
			return round, opt.StopEvaluation, err
		}

		costs := make([]float64, len(cands))
		for i, c := range cands {
			costs[i] = d.cost(c.result.Fitness)
		}
		if err := es.Tell(costs); err != nil {
			return round, opt.StopNumerical, err
		}

		round++
		d.finishRound(round, cands)

		if reason, stop := es.Stop(); stop {
			return round, reason, nil
		}
		if stall.observe(d.cost(d.best.result.Fitness)) {
			return round, opt.StopPatience, nil
		}
	}
	return round, opt.StopBudget, nil
}

// runMayfly hands the whole run to the mayfly library and cuts its
// evaluation stream into rounds of one population each.
func (d *Driver) runMayfly(ctx context.Context) (int, opt.StopReason, error) {
	cfg := d.problem.Config
	if cfg.RequireConnected {
		d.log.Warn("Connectivity gating is not supported by mayfly, evaluating every candidate")
	}
	m := opt.NewMayfly(cfg.MaxRounds, cfg.PopSize, cfg.Seed)
	lower, upper := d.problem.Params.Bounds()

	c := <-d.pool
	defer func() { d.pool <- c }()

	var (
		runErr error
		batch  []candidate
		rounds int
	)
	eval := func(x []float64) float64 {
		if runErr != nil || rounds >= cfg.MaxRounds {
			return math.Inf(1)
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			return math.Inf(1)
		}
		cand, _, err := d.evaluate(ctx, c, x, false)
		if err != nil {
			runErr = err
			return math.Inf(1)
		}
		batch = append(batch, cand)
		if len(batch) == m.PopSize() {
			rounds++
			d.finishRound(rounds, batch)
			batch = nil
		}
		return d.cost(cand.result.Fitness)
	}

	if _, _, err := m.Run(eval, lower, upper, d.mat.Dim()); err != nil {
		return rounds, opt.StopEvaluation, err
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
			return rounds, opt.StopCancelled, nil
		}
		return rounds, opt.StopEvaluation, runErr
	}
	if len(batch) > 0 && rounds < cfg.MaxRounds {
		rounds++
		d.finishRound(rounds, batch)
	}
	return rounds, opt.StopBudget, nil
}

// evaluatePopulation scores genos in index order. With a worker pool the
// candidates run concurrently, each on its own collaborator pair.
func (d *Driver) evaluatePopulation(ctx context.Context, s opt.Strategy, genos [][]float64) ([]candidate, error) {
	out := make([]candidate, len(genos))

	if !d.parallel {
		c := <-d.pool
		defer func() { d.pool <- c }()
		for i, g := range genos {
			cand, err := d.evaluateGene(ctx, c, s.Resample, i, g)
			if err != nil {
				return nil, err
			}
			out[i] = cand
		}
		return out, nil
	}

	var resampleMu sync.Mutex
	resample := func(i int) []float64 {
		resampleMu.Lock()
		defer resampleMu.Unlock()
		return s.Resample(i)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cap(d.pool))
	for i, g := range genos {
		eg.Go(func() error {
			c := <-d.pool
			defer func() { d.pool <- c }()
			cand, err := d.evaluateGene(egCtx, c, resample, i, g)
			if err != nil {
				return err
			}
			out[i] = cand
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// evaluateGene evaluates genotype g, replacing it through resample while its
// visibility graph is disconnected and connectivity is required.
func (d *Driver) evaluateGene(ctx context.Context, c env.Collaborators, resample func(int) []float64, i int, g []float64) (candidate, error) {
	cfg := d.problem.Config
	for attempt := 0; ; attempt++ {
		gate := cfg.RequireConnected && attempt < cfg.MaxResamples
		cand, rejected, err := d.evaluate(ctx, c, d.gp.Pheno(g), gate)
		if err != nil {
			return candidate{}, err
		}
		if !rejected {
			return cand, nil
		}
		d.log.Debug("Resampling disconnected candidate", "index", i, "attempt", attempt+1)
		g = resample(i)
	}
}

// evaluate materializes x, pushes it into c and scores it. With gate set a
// disconnected layout is rejected before scoring.
func (d *Driver) evaluate(ctx context.Context, c env.Collaborators, x []float64, gate bool) (candidate, bool, error) {
	start := time.Now()
	e, err := d.mat.Materialize(x)
	if err != nil {
		return candidate{}, false, err
	}
	if err := env.Apply(ctx, c, e, d.eval.NeedsStructure()); err != nil {
		return candidate{}, false, err
	}
	setup := time.Since(start)

	if gate {
		ok, err := c.Graph.IsConnected()
		if err != nil {
			return candidate{}, false, fmt.Errorf("connectivity: %w", err)
		}
		if !ok {
			return candidate{}, true, env.Release(c.World)
		}
	}

	r, err := d.eval.Evaluate(ctx, e, c)
	if err != nil {
		return candidate{}, false, err
	}
	if err := env.Release(c.World); err != nil {
		return candidate{}, false, err
	}
	r.Timings.Setup = setup
	d.observe(time.Since(start), r.Timings)

	d.log.Debug("Evaluated candidate",
		"fitness", r.Fitness,
		"setup", r.Timings.Setup,
		"objectives", r.Timings.Objectives,
		"penalties", r.Timings.Penalties,
	)
	return candidate{x: e.X, env: e, result: r}, false, nil
}

func (d *Driver) observe(total time.Duration, t Timings) {
	d.mu.Lock()
	d.evals++
	d.evalTime += total
	d.mu.Unlock()

	if p, ok := d.opts.Recorder.(store.PhaseRecorder); ok {
		p.RecordPhase("setup", t.Setup)
		p.RecordPhase("objectives", t.Objectives)
		p.RecordPhase("penalties", t.Penalties)
	}
}

func (d *Driver) evaluations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evals
}

// cost converts a fitness into the value the strategies minimize.
func (d *Driver) cost(fitness float64) float64 {
	if d.problem.Config.Maximize {
		return -fitness
	}
	return fitness
}

func (d *Driver) better(a, b float64) bool {
	return d.cost(a) < d.cost(b)
}

// finishRound updates the best-so-far candidate from cands and emits the
// round to the snapshot writer, the recorder and the OnRound hook.
func (d *Driver) finishRound(round int, cands []candidate) {
	top := 0
	for i := range cands {
		if d.better(cands[i].result.Fitness, cands[top].result.Fitness) {
			top = i
		}
	}
	if d.better(cands[top].result.Fitness, d.best.result.Fitness) {
		d.best = cands[top]
	}

	d.mu.Lock()
	elapsed, evals := d.evalTime, d.evals
	d.mu.Unlock()

	if d.problem.Config.SaveIterationData && d.opts.Snapshots != nil {
		if err := d.opts.Snapshots.Snapshot(round, d.best.env); err != nil {
			d.log.Warn("Failed to write snapshot", "round", round, "error", err)
		}
	}

	if d.opts.Recorder != nil {
		rec := store.RoundRecord{
			Iteration: round,
			Fitness:   cands[top].result.Fitness,
			BestSoFar: d.best.result.Fitness,
			Metrics:   cands[top].result.Vector,
			ElapsedMS: float64(elapsed) / float64(time.Millisecond),
			Timestamp: time.Now(),
			BestX:     append([]float64(nil), d.best.x...),
		}
		if err := d.opts.Recorder.Record(rec); err != nil {
			d.log.Warn("Failed to record round", "round", round, "error", err)
		}
	}

	if d.opts.OnRound != nil {
		d.opts.OnRound(RoundStats{
			Round:       round,
			Fitness:     cands[top].result.Fitness,
			BestFitness: d.best.result.Fitness,
			BestX:       append([]float64(nil), d.best.x...),
			Best:        d.best.result,
			Evaluations: evals,
			Elapsed:     time.Since(d.start),
		})
	}

	d.log.Info("Round complete",
		"round", round,
		"fitness", cands[top].result.Fitness,
		"best_fitness", d.best.result.Fitness,
		"evaluations", evals,
	)
}
