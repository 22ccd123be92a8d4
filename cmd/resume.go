package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/session"
	"github.com/cwbudde/envopt/internal/store"
)

var (
	resumeDataDir string
	resumeRounds  int
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run from its checkpoint",
	Long: `Restarts a run from the best vector of its checkpoint. The search strategy
starts fresh around that vector; rounds are appended to the run's trace and
the checkpoint is overwritten as the run progresses.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", config.DefaultDataDir, "Base directory for run output")
	resumeCmd.Flags().IntVar(&resumeRounds, "rounds", 0, "Max rounds of the resumed run (0 = as in the problem file)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]

	fs, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	cp, err := fs.LoadCheckpoint(id)
	if err != nil {
		return err
	}

	f, err := config.Load(cp.Config.ProblemPath)
	if err != nil {
		return fmt.Errorf("problem of run %s: %w", id, err)
	}
	f.Output.Dir = resumeDataDir
	if resumeRounds > 0 {
		f.Optimization.MaxRounds = resumeRounds
	}

	sess, err := session.New(f, session.Options{
		RunID:       id,
		ProblemPath: cp.Config.ProblemPath,
		X0:          cp.BestParams,
		Append:      true,
	})
	if err != nil {
		return err
	}
	if err := cp.IsCompatible(sess.RunConfig()); err != nil {
		return fmt.Errorf("cannot resume run %s: %w", id, err)
	}

	slog.Info("Resuming optimization",
		"run_id", id,
		"from_round", cp.Round,
		"best_fitness", cp.BestFitness,
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
