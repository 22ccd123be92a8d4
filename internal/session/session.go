// Package session runs one optimization together with its artifacts. Every
// artifact of a run lives under <data>/runs/<run-id>/.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/fit"
	"github.com/cwbudde/envopt/internal/opt"
	"github.com/cwbudde/envopt/internal/store"
	"github.com/cwbudde/envopt/internal/telemetry"
)

const (
	// BestLayout is the name of the final layout files, best.svg and
	// best.graph.
	BestLayout = "best"

	// ProblemFile is the copy of the problem kept in the run directory when
	// the problem did not come from a file.
	ProblemFile = "problem.yaml"
)

// Options configures a session.
type Options struct {
	// RunID names the run directory. A new id is generated when empty.
	RunID string

	// ProblemPath is kept in checkpoints so the run can be resumed. When
	// empty the problem is saved as ProblemFile in the run directory.
	ProblemPath string

	// X0 overrides the initial vector, as when resuming from a checkpoint.
	X0 []float64

	// Append continues the trace of an existing run.
	Append bool

	// Metrics backs the "metrics" recorder. Without it that recorder is
	// skipped.
	Metrics *telemetry.Metrics

	OnRound func(fit.RoundStats)
	Logger  *slog.Logger
}

// Session is a configured run.
type Session struct {
	file  *config.File
	opts  Options
	store *store.FSStore
	log   *slog.Logger
	cfg   store.RunConfig

	saveProblem bool

	mu             sync.Mutex
	initialFitness float64
}

// New prepares a run of f. Nothing is written before Run.
func New(f *config.File, opts Options) (*Session, error) {
	if f == nil {
		return nil, errors.New("session: no problem file")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mode, err := f.ParsedMode()
	if err != nil {
		return nil, err
	}
	fs, err := store.NewFSStore(f.Output.Dir)
	if err != nil {
		return nil, err
	}

	problemPath := opts.ProblemPath
	if problemPath == "" {
		problemPath = filepath.Join(fs.RunDir(opts.RunID), ProblemFile)
	}

	return &Session{
		file:        f,
		opts:        opts,
		store:       fs,
		log:         opts.Logger.With("run_id", opts.RunID),
		saveProblem: opts.ProblemPath == "",
		cfg: store.RunConfig{
			ProblemPath:        problemPath,
			Mode:               mode.String(),
			Strategy:           opt.NormalizeStrategy(f.Optimization.Strategy),
			Dim:                len(f.Parameters),
			Rounds:             f.Optimization.MaxRounds,
			PopSize:            f.Optimization.PopSize,
			Seed:               f.Optimization.Seed,
			CheckpointInterval: f.Output.CheckpointInterval,
		},
	}, nil
}

// RunID returns the run id.
func (s *Session) RunID() string { return s.opts.RunID }

// RunConfig returns the configuration stored with checkpoints.
func (s *Session) RunConfig() store.RunConfig { return s.cfg }

// Store returns the checkpoint store of the session.
func (s *Session) Store() *store.FSStore { return s.store }

// RunDir returns the directory holding the run artifacts.
func (s *Session) RunDir() string { return s.store.RunDir(s.opts.RunID) }

// Run executes the optimization. Checkpoints are saved every
// CheckpointInterval rounds and at the end of the run, cancelled runs
// included. Failing artifacts are logged and do not stop the run.
func (s *Session) Run(ctx context.Context) (*fit.OptimizationResult, error) {
	problem, cleanup, err := s.file.Problem()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := os.MkdirAll(s.RunDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	if s.saveProblem {
		if err := s.file.Inline(); err != nil {
			return nil, err
		}
		if err := s.file.Save(s.cfg.ProblemPath); err != nil {
			return nil, err
		}
	}

	recorder, err := s.openRecorders()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			s.log.Warn("Failed to close recorders", "error", err)
		}
	}()

	opts := fit.Options{
		X0:       s.opts.X0,
		Recorder: recorder,
		OnRound:  s.onRound,
		Logger:   s.log,
	}
	if s.file.Optimization.SaveIterationData {
		sw, err := store.NewSnapshotWriter(filepath.Join(s.RunDir(), store.SnapshotDir))
		if err != nil {
			return nil, err
		}
		opts.Snapshots = sw
	}

	res, err := fit.Run(ctx, problem, opts)
	if err != nil {
		return nil, err
	}

	s.saveCheckpoint(res.BestX, res.BestFitness, res.Rounds)
	s.writeBest(res)
	return res, nil
}

func (s *Session) onRound(stats fit.RoundStats) {
	if stats.Round == 0 {
		s.mu.Lock()
		s.initialFitness = stats.Fitness
		s.mu.Unlock()
	}
	if n := s.cfg.CheckpointInterval; n > 0 && stats.Round > 0 && stats.Round%n == 0 {
		s.saveCheckpoint(stats.BestX, stats.BestFitness, stats.Round)
	}
	if s.opts.OnRound != nil {
		s.opts.OnRound(stats)
	}
}

func (s *Session) saveCheckpoint(bestX []float64, best float64, round int) {
	s.mu.Lock()
	initial := s.initialFitness
	s.mu.Unlock()

	cp := store.NewCheckpoint(s.opts.RunID, bestX, best, initial, round, s.cfg)
	if err := s.store.SaveCheckpoint(s.opts.RunID, cp); err != nil {
		s.log.Warn("Failed to save checkpoint", "round", round, "error", err)
		return
	}
	s.log.Debug("Checkpoint saved", "round", round, "best_fitness", best)
}

func (s *Session) writeBest(res *fit.OptimizationResult) {
	if res.Layout == nil {
		return
	}
	sw, err := store.NewSnapshotWriter(s.RunDir())
	if err == nil {
		title := fmt.Sprintf("best %s fitness %.4g", s.cfg.Mode, res.BestFitness)
		err = sw.Write(BestLayout, title, res.Layout)
	}
	if err != nil {
		s.log.Warn("Failed to write best layout", "error", err)
	}
}

// openRecorders creates the sinks named in output.recorders.
func (s *Session) openRecorders() (store.MultiRecorder, error) {
	var recs store.MultiRecorder
	fail := func(err error) (store.MultiRecorder, error) {
		if cerr := recs.Close(); cerr != nil {
			s.log.Warn("Failed to close recorders", "error", cerr)
		}
		return nil, err
	}

	base, runID := s.file.Output.Dir, s.opts.RunID
	for _, name := range s.file.Output.Recorders {
		switch name {
		case config.RecorderTrace:
			tw, err := store.NewTraceWriter(base, runID, s.opts.Append)
			if err != nil {
				return fail(err)
			}
			recs = append(recs, tw)
		case config.RecorderText:
			tr, err := store.CreateTextRecorder(base, runID)
			if err != nil {
				return fail(err)
			}
			recs = append(recs, tr)
		case config.RecorderSQLite:
			db, err := store.OpenSQLiteRecorder(filepath.Join(s.RunDir(), store.DatabaseFile), runID)
			if err != nil {
				return fail(err)
			}
			recs = append(recs, db)
		case config.RecorderMetrics:
			if s.opts.Metrics == nil {
				s.log.Warn("Metrics recorder requested without a registry, skipping")
				continue
			}
			recs = append(recs, s.opts.Metrics.Recorder(runID))
		default:
			return fail(fmt.Errorf("unknown recorder %q", name))
		}
	}
	return recs, nil
}
