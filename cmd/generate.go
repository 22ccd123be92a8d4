package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/envopt/internal/layoutgen"
)

var (
	genOut       string
	genLayoutOut string
	genMode      string
	genRounds    int
	genCfg       = layoutgen.DefaultConfig()
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a problem file with a procedural base layout",
	Long: `Generates a floor of cells closed by perimeter walls, places interior walls
from a noise field and writes a problem file with one translate gene per
interior wall. The same seed always yields the same layout.`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genOut, "out", "o", "problem.yaml", "Problem file to write")
	generateCmd.Flags().StringVar(&genLayoutOut, "layout-out", "", "Write the layout to its own file and reference it by path")
	generateCmd.Flags().StringVar(&genMode, "mode", "multi", "Scoring mode: "+modeList())
	generateCmd.Flags().IntVar(&genRounds, "rounds", 0, "Max rounds (0 = default)")
	generateCmd.Flags().IntVar(&genCfg.Cols, "cols", genCfg.Cols, "Cells along x")
	generateCmd.Flags().IntVar(&genCfg.Rows, "rows", genCfg.Rows, "Cells along z")
	generateCmd.Flags().Float64Var(&genCfg.CellSize, "cell", genCfg.CellSize, "Cell size")
	generateCmd.Flags().Float64Var(&genCfg.Density, "density", genCfg.Density, "Share of interior lattice edges that become walls")
	generateCmd.Flags().Float64Var(&genCfg.Jitter, "jitter", genCfg.Jitter, "Displacement of interior corners, in cells")
	generateCmd.Flags().Float64Var(&genCfg.Clearance, "clearance", genCfg.Clearance, "Wall clearance")
	generateCmd.Flags().IntVar(&genCfg.MaxGenes, "max-genes", genCfg.MaxGenes, "Max movable walls (0 = all)")
	generateCmd.Flags().Int64Var(&genCfg.Seed, "seed", genCfg.Seed, "Noise seed (0 = random)")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	f, err := layoutgen.Problem(genCfg)
	if err != nil {
		return err
	}
	f.Mode = genMode
	if genRounds > 0 {
		f.Optimization.MaxRounds = genRounds
	}

	if genLayoutOut != "" {
		data, err := yaml.Marshal(f.Layout)
		if err != nil {
			return fmt.Errorf("failed to encode layout: %w", err)
		}
		if err := os.WriteFile(genLayoutOut, data, 0644); err != nil {
			return fmt.Errorf("failed to write layout: %w", err)
		}
		rel, err := relativeTo(filepath.Dir(genOut), genLayoutOut)
		if err != nil {
			return err
		}
		f.Layout, f.LayoutPath = nil, rel
	}

	if err := f.Validate(); err != nil {
		return err
	}
	if err := f.Save(genOut); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d genes, %dx%d cells)\n", genOut, len(f.Parameters), genCfg.Cols, genCfg.Rows)
	return nil
}

// relativeTo expresses path relative to dir, as layout paths resolve against
// the problem file's directory.
func relativeTo(dir, path string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Rel(absDir, absPath)
}
