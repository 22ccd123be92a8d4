package store

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/envopt/internal/env"
	"github.com/cwbudde/envopt/internal/graph"
)

var (
	staticWallColor = color.RGBA{A: 255}
	movedWallColor  = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	queryColor      = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	referenceColor  = color.RGBA{R: 30, G: 160, B: 60, A: 255}
)

// SnapshotWriter writes round<N>.svg (a drawing of the layout) and
// round<N>.graph (the layout as YAML, loadable as a base layout) into a
// directory.
type SnapshotWriter struct {
	dir string
}

// NewSnapshotWriter creates dir if needed.
func NewSnapshotWriter(dir string) (*SnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotWriter{dir: dir}, nil
}

// Dir returns the output directory.
func (s *SnapshotWriter) Dir() string { return s.dir }

// Snapshot writes both files for round.
func (s *SnapshotWriter) Snapshot(round int, e *env.Environment) error {
	if err := s.Write(fmt.Sprintf("round%d", round), fmt.Sprintf("round %d", round), e); err != nil {
		return fmt.Errorf("snapshot round %d: %w", round, err)
	}
	return nil
}

// Write writes <name>.svg and <name>.graph.
func (s *SnapshotWriter) Write(name, title string, e *env.Environment) error {
	if e == nil {
		return errors.New("no environment")
	}
	svgPath := filepath.Join(s.dir, name+".svg")
	if err := DrawLayout(e.Graph, e.Regions, e.Touched, title, svgPath); err != nil {
		return err
	}

	data, err := yaml.Marshal(graph.NewDocument(e.Graph, e.Regions))
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	graphPath := filepath.Join(s.dir, name+".graph")
	if err := os.WriteFile(graphPath, data, 0644); err != nil {
		return err
	}

	slog.Debug("Snapshot written", "svg", svgPath, "graph", graphPath)
	return nil
}

// DrawLayout renders the walls and regions of g in the x/z plane. Walls with
// an endpoint in touched are drawn in red. The image format follows the
// extension of path.
func DrawLayout(g *graph.Graph, regions graph.Regions, touched map[int]struct{}, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "z"

	for k, e := range g.Edges() {
		a, b := g.Endpoints(k)
		line, err := plotter.NewLine(plotter.XYs{{X: a.X, Y: a.Z}, {X: b.X, Y: b.Z}})
		if err != nil {
			return err
		}
		line.LineStyle.Width = vg.Points(2)
		line.LineStyle.Color = staticWallColor
		_, movedA := touched[e.Origin]
		_, movedB := touched[e.End]
		if movedA || movedB {
			line.LineStyle.Color = movedWallColor
		}
		p.Add(line)
	}

	for _, r := range regions.Query {
		if err := addRegion(p, r, queryColor); err != nil {
			return err
		}
	}
	for _, r := range regions.Reference {
		if err := addRegion(p, r, referenceColor); err != nil {
			return err
		}
	}

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}

func addRegion(p *plot.Plot, r graph.Region, c color.Color) error {
	outline, err := plotter.NewLine(plotter.XYs{
		{X: r.Min.X, Y: r.Min.Z},
		{X: r.Max.X, Y: r.Min.Z},
		{X: r.Max.X, Y: r.Max.Z},
		{X: r.Min.X, Y: r.Max.Z},
		{X: r.Min.X, Y: r.Min.Z},
	})
	if err != nil {
		return err
	}
	outline.LineStyle.Color = c
	outline.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(outline)
	return nil
}

// PlotConvergence draws the round fitness and the best-so-far fitness of
// records against the round index.
func PlotConvergence(records []RoundRecord, title, path string) error {
	if len(records) == 0 {
		return fmt.Errorf("plot convergence: no records")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Round"
	p.Y.Label.Text = "Fitness"

	round := make(plotter.XYs, len(records))
	best := make(plotter.XYs, len(records))
	for i, r := range records {
		round[i].X, round[i].Y = float64(r.Iteration), r.Fitness
		best[i].X, best[i].Y = float64(r.Iteration), r.BestSoFar
	}

	roundLine, err := plotter.NewLine(round)
	if err != nil {
		return err
	}
	roundLine.LineStyle.Dashes = []vg.Length{vg.Points(3), vg.Points(2)}
	bestLine, err := plotter.NewLine(best)
	if err != nil {
		return err
	}
	bestLine.LineStyle.Color = movedWallColor

	p.Add(roundLine, bestLine)
	p.Legend.Add("round", roundLine)
	p.Legend.Add("best so far", bestLine)
	p.Legend.Top = true

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
