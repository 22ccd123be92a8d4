package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/fit"
	"github.com/cwbudde/envopt/internal/session"
)

var (
	problemPath string
	runDataDir  string
	runID       string
	mode        string
	strategy    string
	rounds      int
	popSize     int
	seed        int64
	workers     int
	recorders   []string
	snapshots   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an optimization",
	Long: `Runs an optimization of the problem file and writes the run artifacts
(checkpoint, trace, round log, best layout) to <data-dir>/runs/<run-id>/.
Flags override the matching problem file settings. An interrupted run stops
after the current round and keeps its best-so-far result.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&problemPath, "problem", "", "Problem file path (required)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Base directory for run output (default from problem file)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: random UUID)")
	runCmd.Flags().StringVar(&mode, "mode", "", "Scoring mode: "+modeList())
	runCmd.Flags().StringVar(&strategy, "strategy", "", "Search strategy: cmaes, mayfly")
	runCmd.Flags().IntVar(&rounds, "rounds", 0, "Max rounds")
	runCmd.Flags().IntVar(&popSize, "pop", 0, "Population size (0 = strategy default)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Random seed")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Parallel evaluations per round")
	runCmd.Flags().StringSliceVar(&recorders, "recorders", nil, "Recorders: trace, text, sqlite, metrics")
	runCmd.Flags().BoolVar(&snapshots, "snapshots", false, "Write a layout snapshot every round")

	runCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags copies the flags that were set onto f.
func applyRunFlags(cmd *cobra.Command, f *config.File) error {
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		f.Output.Dir = runDataDir
	}
	if flags.Changed("mode") {
		f.Mode = mode
	}
	if flags.Changed("strategy") {
		f.Optimization.Strategy = strategy
	}
	if flags.Changed("rounds") {
		f.Optimization.MaxRounds = rounds
	}
	if flags.Changed("pop") {
		f.Optimization.PopSize = popSize
	}
	if flags.Changed("seed") {
		f.Optimization.Seed = seed
	}
	if flags.Changed("workers") {
		f.Optimization.Workers = workers
	}
	if flags.Changed("recorders") {
		f.Output.Recorders = recorders
	}
	if flags.Changed("snapshots") {
		f.Optimization.SaveIterationData = snapshots
	}
	return f.Validate()
}

func runOptimization(cmd *cobra.Command, args []string) error {
	f, err := config.Load(problemPath)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, f); err != nil {
		return err
	}

	// Checkpoints keep an absolute path so resume works from any directory.
	absPath, err := filepath.Abs(problemPath)
	if err != nil {
		return err
	}
	sess, err := session.New(f, session.Options{RunID: runID, ProblemPath: absPath})
	if err != nil {
		return err
	}
	slog.Info("Starting optimization",
		"run_id", sess.RunID(),
		"problem", problemPath,
		"mode", sess.RunConfig().Mode,
		"strategy", sess.RunConfig().Strategy,
		"dim", sess.RunConfig().Dim,
		"rounds", sess.RunConfig().Rounds,
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := sess.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), sess, res)
	return nil
}

func printSummary(w io.Writer, sess *session.Session, res *fit.OptimizationResult) {
	fmt.Fprintf(w, "Run %s: fitness %.6g -> %.6g after %d rounds, %s evaluations in %s (%s)\n",
		sess.RunID(),
		res.InitialFitness,
		res.BestFitness,
		res.Rounds,
		humanize.Comma(int64(res.Evaluations)),
		res.Elapsed.Round(time.Millisecond),
		res.StopReason,
	)
	fmt.Fprintf(w, "Artifacts in %s\n", sess.RunDir())
}

// modeList joins the names of the scoring modes for flag help.
func modeList() string {
	names := make([]string, 0, len(fit.Modes()))
	for _, m := range fit.Modes() {
		names = append(names, m.String())
	}
	return strings.Join(names, ", ")
}

// commandContext returns cmd's context, or a background context when the
// command is invoked directly as in tests.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
