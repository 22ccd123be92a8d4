package fit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/cwbudde/envopt/internal/env"
	"github.com/cwbudde/envopt/internal/graph"
	"github.com/cwbudde/envopt/internal/opt"
	"github.com/cwbudde/envopt/internal/param"
	"github.com/cwbudde/envopt/internal/sim"
	"github.com/cwbudde/envopt/internal/store"
	"github.com/cwbudde/envopt/internal/visgraph"
)

// fakeCollab is a World and VisibilityGraph with canned metrics.
type fakeCollab struct {
	mu sync.Mutex

	degree, depth, entropy float64
	buildErr               error

	// disconnected is the number of IsConnected calls that report false;
	// negative means always.
	disconnected int

	connCalls  int
	depthCalls int
	builds     int
}

func (f *fakeCollab) pair() env.Collaborators {
	return env.Collaborators{World: f, Graph: f}
}

func (f *fakeCollab) Clear() error                           { return nil }
func (f *fakeCollab) AddOrientedObstacle(env.Obstacle) error { return nil }
func (f *fakeCollab) ResetSimulation() error                 { return nil }
func (f *fakeCollab) RestartSimulation() error               { return nil }
func (f *fakeCollab) ClearGraph()                            {}
func (f *fakeCollab) AddQueryRegion(_, _ r3.Vec)             {}
func (f *fakeCollab) AddReferenceRegion(_, _ r3.Vec)         {}

func (f *fakeCollab) Build(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	return f.buildErr
}

func (f *fakeCollab) MeanDegree() (float64, error) { return f.degree, nil }

func (f *fakeCollab) MeanDepthAndEntropy() (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depthCalls++
	return f.depth, f.entropy, nil
}

func (f *fakeCollab) IsConnected() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connCalls++
	if f.disconnected < 0 || f.connCalls <= f.disconnected {
		return false, nil
	}
	return true, nil
}

// memRecorder keeps every record in memory.
type memRecorder struct {
	header  []string
	records []store.RoundRecord
	phases  map[string]int
	closed  bool
}

func (m *memRecorder) WriteHeader(fields []string) error {
	m.header = fields
	return nil
}

func (m *memRecorder) Record(r store.RoundRecord) error {
	m.records = append(m.records, r)
	return nil
}

func (m *memRecorder) RecordPhase(phase string, _ time.Duration) {
	if m.phases == nil {
		m.phases = make(map[string]int)
	}
	m.phases[phase]++
}

func (m *memRecorder) Close() error {
	m.closed = true
	return nil
}

type memSnapshots struct {
	rounds []int
}

func (m *memSnapshots) Snapshot(round int, e *env.Environment) error {
	if e == nil {
		return errors.New("nil environment")
	}
	m.rounds = append(m.rounds, round)
	return nil
}

func newSimPair() env.Collaborators {
	w := sim.NewWorld()
	return env.Collaborators{World: w, Graph: visgraph.New(w, visgraph.BackendCPU, visgraph.Options{})}
}

func simFactory() (env.Collaborators, func(), error) {
	return newSimPair(), func() {}, nil
}

// searchConfig disables the tolerance stops so runs use their whole budget.
func searchConfig() Config {
	cfg := zeroWeights()
	cfg.FTol = 0
	cfg.XTol = 0
	cfg.PopSize = 6
	return cfg
}

func TestBudgetZeroReturnsInitialVector(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 10)
	cfg := searchConfig()
	cfg.Weights.Clearance = 1

	res, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, 0, newSimPair())
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, res.BestX)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 1, res.Evaluations)
	assert.Equal(t, opt.StopBudget, res.StopReason)
	assert.Equal(t, res.InitialFitness, res.BestFitness)
}

func TestBestSoFarNeverDecreases(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 10)
	cfg := searchConfig()
	cfg.Weights.Clearance = 1
	cfg.MaxRounds = 5

	rec := &memRecorder{}
	var stats []RoundStats
	res, err := Run(context.Background(), Problem{
		Mode:          ModeMultiObjective,
		Params:        params,
		Graph:         g,
		Config:        cfg,
		Collaborators: newSimPair(),
	}, Options{
		Recorder: rec,
		OnRound:  func(s RoundStats) { stats = append(stats, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, store.RecordFields, rec.header)
	require.Len(t, rec.records, 6)
	require.Len(t, stats, 6)
	for i := 1; i < len(rec.records); i++ {
		assert.Equal(t, i, rec.records[i].Iteration)
		assert.GreaterOrEqual(t, rec.records[i].BestSoFar, rec.records[i-1].BestSoFar)
		assert.GreaterOrEqual(t, stats[i].BestFitness, stats[i-1].BestFitness)
	}
	assert.Equal(t, 5, res.Rounds)
	assert.Equal(t, 1+5*6, res.Evaluations)
	assert.GreaterOrEqual(t, res.BestFitness, res.InitialFitness)
	assert.True(t, params.Contains(res.BestX))
}

func TestRoundMetricsMatchRoundFitness(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 2)
	cfg := searchConfig()
	cfg.Weights.WallLength = 1
	cfg.MaxRounds = 8

	rec := &memRecorder{}
	_, err := Run(context.Background(), Problem{
		Mode:          ModeMultiObjective,
		Params:        params,
		Graph:         g,
		Config:        cfg,
		Collaborators: newSimPair(),
	}, Options{Recorder: rec})
	require.NoError(t, err)

	require.Greater(t, len(rec.records), 1)
	for _, r := range rec.records {
		// Only the wall length term is weighted, so it is the whole fitness.
		assert.InDelta(t, r.Fitness, r.Metrics[VecWallLength], 1e-12, "round %d", r.Iteration)
	}
}

func TestShrinkingSearchPrefersLongWall(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 2)
	cfg := searchConfig()
	cfg.Weights.WallLength = 1
	cfg.MaxRounds = 30

	res, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, cfg.MaxRounds, newSimPair())
	require.NoError(t, err)
	assert.InDelta(t, -81, res.InitialFitness, 1e-9)
	assert.Greater(t, res.BestFitness, res.InitialFitness)
}

func TestMinimizeFlipsDirection(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 10)
	cfg := searchConfig()
	cfg.Weights.WallLength = 1
	cfg.Maximize = false
	cfg.MaxRounds = 10

	res, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, cfg.MaxRounds, newSimPair())
	require.NoError(t, err)
	assert.LessOrEqual(t, res.BestFitness, res.InitialFitness)
}

func TestEvaluationErrorAbortsRun(t *testing.T) {
	g, params := singleWall(t, param.Translate{Axis: param.AxisX}, -1, 1, 0)
	cfg := searchConfig()
	cfg.Weights.Degree = 1
	cfg.MaxRounds = 3

	boom := errors.New("boom")
	c := &fakeCollab{buildErr: boom}
	_, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, cfg.MaxRounds, c.pair())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.builds)
}

func TestInvalidProblem(t *testing.T) {
	g, params := singleWall(t, param.Translate{Axis: param.AxisX}, -1, 1, 0)
	c := &fakeCollab{}

	tests := []struct {
		name string
		edit func(*Problem, *Options)
	}{
		{"no graph", func(p *Problem, _ *Options) { p.Graph = nil }},
		{"empty params", func(p *Problem, _ *Options) { p.Params = nil }},
		{"unknown node", func(p *Problem, _ *Options) {
			p.Params = param.Set{{Name: "x", Nodes: []int{9}, Lower: -1, Upper: 1, Rule: param.Translate{}}}
		}},
		{"unknown strategy", func(p *Problem, _ *Options) { p.Config.Strategy = "annealing" }},
		{"no collaborators", func(p *Problem, _ *Options) { p.Collaborators = env.Collaborators{} }},
		{"x0 out of bounds", func(_ *Problem, o *Options) { o.X0 = []float64{2} }},
		{"x0 wrong length", func(_ *Problem, o *Options) { o.X0 = []float64{0, 0} }},
		{"negative sigma", func(p *Problem, _ *Options) { p.Config.Sigma0 = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Problem{Mode: ModeDegree, Params: params, Graph: g, Config: searchConfig(), Collaborators: c.pair()}
			var o Options
			tt.edit(&p, &o)
			_, err := NewDriver(p, o)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestConnectivityGatingResamples(t *testing.T) {
	g, params := singleWall(t, param.Translate{Axis: param.AxisX}, -1, 1, 0)
	cfg := searchConfig()
	cfg.PopSize = 4
	cfg.MaxRounds = 1
	cfg.RequireConnected = true
	cfg.MaxResamples = 10

	c := &fakeCollab{disconnected: 3}
	res, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, 1, c.pair())
	require.NoError(t, err)

	// x0 is never gated; three rejections, then four accepted candidates.
	assert.Equal(t, 7, c.connCalls)
	assert.Equal(t, 5, res.Evaluations)
}

func TestConnectivityGatingGivesUp(t *testing.T) {
	g, params := singleWall(t, param.Translate{Axis: param.AxisX}, -1, 1, 0)
	cfg := searchConfig()
	cfg.PopSize = 4
	cfg.RequireConnected = true
	cfg.MaxResamples = 2

	c := &fakeCollab{disconnected: -1}
	res, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, 1, c.pair())
	require.NoError(t, err)
	assert.Equal(t, 4*2, c.connCalls)
	assert.Equal(t, 5, res.Evaluations)
}

// roomProblem is a wall between a query region and a reference corner whose
// x position is searched.
func roomProblem(t *testing.T) (*graph.Graph, graph.Regions, param.Set) {
	t.Helper()
	g := graph.New(0.5)
	require.NoError(t, g.AddNode(0, r3.Vec{X: 3, Z: 1}))
	require.NoError(t, g.AddNode(1, r3.Vec{X: 3, Z: 4}))
	require.NoError(t, g.AddEdge(0, 1))
	regions := graph.Regions{
		Query:     []graph.Region{{Min: r3.Vec{}, Max: r3.Vec{X: 6, Z: 5}}},
		Reference: []graph.Region{{Min: r3.Vec{}, Max: r3.Vec{X: 1, Z: 1}}},
	}
	params := param.Set{{
		Name:  "wall.x",
		Nodes: []int{0, 1},
		Lower: -2.5,
		Upper: 2.5,
		Rule:  param.Translate{Axis: param.AxisX},
	}}
	return g, regions, params
}

func TestParallelMatchesSequential(t *testing.T) {
	g, regions, params := roomProblem(t)
	cfg := searchConfig()
	cfg.Weights.Degree = 1
	cfg.Weights.Depth = -1
	cfg.MaxRounds = 3

	seq, err := Run(context.Background(), Problem{
		Mode: ModeMultiObjective, Params: params, Graph: g, Regions: regions,
		Config: cfg, Collaborators: newSimPair(),
	}, Options{})
	require.NoError(t, err)

	cfg.Workers = 3
	par, err := Run(context.Background(), Problem{
		Mode: ModeMultiObjective, Params: params, Graph: g, Regions: regions,
		Config: cfg, NewCollaborators: simFactory,
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, seq.Evaluations, par.Evaluations)
	assert.InDeltaSlice(t, seq.BestX, par.BestX, 1e-12)
	assert.InDelta(t, seq.BestFitness, par.BestFitness, 1e-12)
	assert.InDelta(t, seq.InitialFitness, par.InitialFitness, 1e-12)
}

func TestParallelEvaluationErrorAbortsRun(t *testing.T) {
	g, params := singleWall(t, param.Translate{Axis: param.AxisX}, -1, 1, 0)
	cfg := searchConfig()
	cfg.Weights.Degree = 1
	cfg.Workers = 2

	boom := errors.New("boom")
	var cleanups int
	factory := func() (env.Collaborators, func(), error) {
		c := &fakeCollab{buildErr: boom}
		return c.pair(), func() { cleanups++ }, nil
	}
	_, err := Run(context.Background(), Problem{
		Mode: ModeMultiObjective, Params: params, Graph: g, Config: cfg, NewCollaborators: factory,
	}, Options{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, cleanups)
}

func TestCancellationKeepsBestSoFar(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 10)
	cfg := searchConfig()
	cfg.Weights.Clearance = 1
	cfg.MaxRounds = 50

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := Run(ctx, Problem{
		Mode: ModeMultiObjective, Params: params, Graph: g, Config: cfg, Collaborators: newSimPair(),
	}, Options{
		OnRound: func(s RoundStats) {
			if s.Round == 2 {
				cancel()
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, opt.StopCancelled, res.StopReason)
	assert.Equal(t, 2, res.Rounds)
	assert.Len(t, res.BestX, 1)
}

func TestPatienceStopsStalledRun(t *testing.T) {
	g, params := singleWall(t, param.Translate{Axis: param.AxisX}, -1, 1, 0)
	cfg := searchConfig()
	cfg.MaxRounds = 50
	cfg.Patience = 3

	// All weights zero: the fitness never moves.
	res, err := Optimize(context.Background(), ModeMultiObjective, params, g, graph.Regions{}, cfg, cfg.MaxRounds, (&fakeCollab{}).pair())
	require.NoError(t, err)
	assert.Equal(t, opt.StopPatience, res.StopReason)
	assert.Equal(t, 4, res.Rounds)
	assert.Zero(t, res.BestFitness)
}

func TestSnapshotsAndPhases(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 10)
	cfg := searchConfig()
	cfg.Weights.Clearance = 1
	cfg.MaxRounds = 2

	rec := &memRecorder{}
	snaps := &memSnapshots{}
	p := Problem{Mode: ModeMultiObjective, Params: params, Graph: g, Config: cfg, Collaborators: newSimPair()}

	_, err := Run(context.Background(), p, Options{Recorder: rec, Snapshots: snaps})
	require.NoError(t, err)
	assert.Empty(t, snaps.rounds)
	assert.Equal(t, 1+2*6, rec.phases["objectives"])
	assert.Equal(t, 1+2*6, rec.phases["setup"])

	p.Config.SaveIterationData = true
	_, err = Run(context.Background(), p, Options{Snapshots: snaps})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, snaps.rounds)
}

func TestMayflyStrategy(t *testing.T) {
	g, params := singleWall(t, param.Absolute{Axis: param.AxisX}, 0, 20, 2)
	cfg := searchConfig()
	cfg.Weights.WallLength = 1
	cfg.Strategy = "mayfly"
	cfg.PopSize = 20
	cfg.MaxRounds = 2

	rec := &memRecorder{}
	res, err := Run(context.Background(), Problem{
		Mode: ModeMultiObjective, Params: params, Graph: g, Config: cfg, Collaborators: newSimPair(),
	}, Options{Recorder: rec})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.Len(t, rec.records, 3)
	assert.GreaterOrEqual(t, res.BestFitness, res.InitialFitness)
	assert.True(t, params.Contains(res.BestX))
}
