package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/store"
)

var (
	plotDataDir string
	plotOut     string
	plotFrom    string
)

var plotCmd = &cobra.Command{
	Use:   "plot <run-id>",
	Short: "Plot the convergence of a run",
	Long: `Draws round fitness and best-so-far fitness of a run. The records come
from the trace (default), the text log or the SQLite database of the run.
Resumed runs are drawn as one continuous curve. With --from sqlite the
per-phase timings are printed too.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlot,
}

func init() {
	plotCmd.Flags().StringVar(&plotDataDir, "data-dir", config.DefaultDataDir, "Base directory for run output")
	plotCmd.Flags().StringVarP(&plotOut, "out", "o", "", "Output file, .svg or .png (default <run-dir>/convergence.svg)")
	plotCmd.Flags().StringVar(&plotFrom, "from", config.RecorderTrace, "Record source: trace, text, sqlite")
	rootCmd.AddCommand(plotCmd)
}

func runPlot(cmd *cobra.Command, args []string) error {
	id := args[0]
	runDir := store.RunDir(plotDataDir, id)

	records, err := loadRecords(cmd, id, runDir)
	if err != nil {
		return err
	}
	records = continuous(records)

	out := plotOut
	if out == "" {
		out = filepath.Join(runDir, "convergence.svg")
	}
	if err := store.PlotConvergence(records, "run "+displayID(id), out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d rounds)\n", out, len(records))
	return nil
}

func loadRecords(cmd *cobra.Command, id, runDir string) ([]store.RoundRecord, error) {
	switch plotFrom {
	case config.RecorderTrace:
		return store.ReadTrace(plotDataDir, id)

	case config.RecorderText:
		f, err := os.Open(filepath.Join(runDir, store.TextLogFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open text log: %w", err)
		}
		defer f.Close()
		return store.ParseTextLog(f)

	case config.RecorderSQLite:
		path := filepath.Join(runDir, store.DatabaseFile)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("run %s has no database: %w", id, err)
		}
		db, err := store.OpenSQLiteRecorder(path, id)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		records, err := db.Rounds(id)
		if err != nil {
			return nil, err
		}
		phases, err := db.Phases(id)
		if err != nil {
			return nil, err
		}
		printPhases(cmd, phases)
		return records, nil
	}
	return nil, fmt.Errorf("unknown record source %q", plotFrom)
}

// continuous renumbers the rounds of resumed runs, which restart at 0, so
// the curve continues where the previous run stopped.
func continuous(records []store.RoundRecord) []store.RoundRecord {
	out := make([]store.RoundRecord, len(records))
	offset := 0
	for i, r := range records {
		if i > 0 && r.Iteration+offset <= out[i-1].Iteration {
			offset = out[i-1].Iteration + 1 - r.Iteration
		}
		r.Iteration += offset
		out[i] = r
	}
	return out
}

func printPhases(cmd *cobra.Command, phases []store.PhaseSummary) {
	if len(phases) == 0 {
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tCOUNT\tTOTAL\tMEAN")
	for _, p := range phases {
		total := time.Duration(p.TotalMS * float64(time.Millisecond))
		mean := time.Duration(0)
		if p.Count > 0 {
			mean = total / time.Duration(p.Count)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.Phase, p.Count, total.Round(time.Microsecond), mean.Round(time.Microsecond))
	}
	w.Flush()
}
