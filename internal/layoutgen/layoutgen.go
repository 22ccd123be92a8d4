// Package layoutgen generates base layouts: a rectangular floor on a
// lattice, closed by perimeter walls, with interior walls placed where a
// simplex noise field falls below a density threshold.
package layoutgen

import (
	"errors"
	"fmt"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/graph"
	"github.com/cwbudde/envopt/internal/param"
)

// jitterScale keeps jitter samples off the integer lattice.
const jitterScale = 0.37

// ErrNoGenes is returned by Problem when no interior wall was placed.
var ErrNoGenes = errors.New("layout has no movable walls")

// Config controls generation.
type Config struct {
	Cols     int
	Rows     int
	CellSize float64
	// Density is the share of interior lattice edges that become walls,
	// in [0, 1].
	Density float64
	// Jitter displaces interior lattice points by up to Jitter*CellSize.
	Jitter    float64
	Clearance float64
	// MaxGenes caps the number of movable walls in Problem.
	MaxGenes int
	Seed     int64
}

// DefaultConfig returns a floor of 4x3 cells, 4 units wide each.
func DefaultConfig() Config {
	return Config{
		Cols:      4,
		Rows:      3,
		CellSize:  4,
		Density:   0.35,
		Jitter:    0.15,
		Clearance: 0.5,
		MaxGenes:  8,
		Seed:      42,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Cols < 1 || c.Rows < 1:
		return fmt.Errorf("grid must be at least 1x1, got %dx%d", c.Cols, c.Rows)
	case c.CellSize <= 0:
		return fmt.Errorf("cell size must be positive, got %g", c.CellSize)
	case c.Density < 0 || c.Density > 1:
		return fmt.Errorf("density must be in [0, 1], got %g", c.Density)
	case c.Jitter < 0 || c.Jitter >= 0.5:
		return fmt.Errorf("jitter must be in [0, 0.5), got %g", c.Jitter)
	case c.Clearance < 0:
		return fmt.Errorf("clearance must be non-negative, got %g", c.Clearance)
	case c.MaxGenes < 0:
		return fmt.Errorf("max genes must be non-negative, got %d", c.MaxGenes)
	}
	return nil
}

// Wall is an interior wall of a generated layout. Axis is the direction
// the wall can slide in, perpendicular to the wall.
type Wall struct {
	Origin, End int
	Axis        param.Axis
}

// Layout is a generated base layout.
type Layout struct {
	Document graph.Document
	Interior []Wall
}

type lattice struct {
	cols, rows int
}

func (l lattice) id(i, j int) int { return j*(l.cols+1) + i }

func (l lattice) interior(i, j int) bool {
	return i > 0 && i < l.cols && j > 0 && j < l.rows
}

// Generate builds a layout. The same config always yields the same layout.
func Generate(cfg Config) (*Layout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	wallNoise := opensimplex.NewNormalized(seed)
	jitterX := opensimplex.NewNormalized(seed + 1)
	jitterZ := opensimplex.NewNormalized(seed + 2)

	lat := lattice{cols: cfg.Cols, rows: cfg.Rows}
	var edges [][2]int
	var interior []Wall

	// Horizontal lattice edges run along x and slide along z.
	for j := 0; j <= cfg.Rows; j++ {
		for i := 0; i < cfg.Cols; i++ {
			e := [2]int{lat.id(i, j), lat.id(i+1, j)}
			if j == 0 || j == cfg.Rows {
				edges = append(edges, e)
				continue
			}
			if octaveNoise(wallNoise, float64(i)+0.5, float64(j), 3, 0.7, 0.5) < cfg.Density {
				edges = append(edges, e)
				interior = append(interior, Wall{Origin: e[0], End: e[1], Axis: param.AxisZ})
			}
		}
	}
	// Vertical lattice edges run along z and slide along x.
	for i := 0; i <= cfg.Cols; i++ {
		for j := 0; j < cfg.Rows; j++ {
			e := [2]int{lat.id(i, j), lat.id(i, j+1)}
			if i == 0 || i == cfg.Cols {
				edges = append(edges, e)
				continue
			}
			if octaveNoise(wallNoise, float64(i), float64(j)+0.5, 3, 0.7, 0.5) < cfg.Density {
				edges = append(edges, e)
				interior = append(interior, Wall{Origin: e[0], End: e[1], Axis: param.AxisX})
			}
		}
	}

	used := make(map[int]bool)
	for _, e := range edges {
		used[e[0]], used[e[1]] = true, true
	}

	doc := graph.Document{Clearance: cfg.Clearance, Edges: edges}
	for j := 0; j <= cfg.Rows; j++ {
		for i := 0; i <= cfg.Cols; i++ {
			id := lat.id(i, j)
			if !used[id] {
				continue
			}
			x, z := float64(i)*cfg.CellSize, float64(j)*cfg.CellSize
			if lat.interior(i, j) {
				// Noise in [0, 1) mapped to [-Jitter, Jitter) cells.
				nx, nz := float64(i)*jitterScale, float64(j)*jitterScale
				x += (2*jitterX.Eval2(nx, nz) - 1) * cfg.Jitter * cfg.CellSize
				z += (2*jitterZ.Eval2(nx, nz) - 1) * cfg.Jitter * cfg.CellSize
			}
			doc.Nodes = append(doc.Nodes, graph.NodeDoc{ID: id, Pos: [3]float64{x, 0, z}})
		}
	}

	width, depth := float64(cfg.Cols)*cfg.CellSize, float64(cfg.Rows)*cfg.CellSize
	doc.QueryRegions = []graph.RegionDoc{{Max: [3]float64{width, 0, depth}}}
	doc.ReferenceRegions = []graph.RegionDoc{{Max: [3]float64{cfg.CellSize, 0, cfg.CellSize}}}

	return &Layout{Document: doc, Interior: interior}, nil
}

// Problem generates a layout and a problem file with one translate gene per
// interior wall, up to MaxGenes. Each gene slides its wall by at most 40% of
// a cell.
func Problem(cfg Config) (*config.File, error) {
	layout, err := Generate(cfg)
	if err != nil {
		return nil, err
	}
	walls := layout.Interior
	if cfg.MaxGenes > 0 && len(walls) > cfg.MaxGenes {
		walls = walls[:cfg.MaxGenes]
	}
	if len(walls) == 0 {
		return nil, ErrNoGenes
	}

	f := config.Default()
	f.Name = fmt.Sprintf("generated-%dx%d-seed%d", cfg.Cols, cfg.Rows, cfg.Seed)
	f.Layout = &layout.Document
	f.Optimization.Clearance = cfg.Clearance
	limit := 0.4 * cfg.CellSize
	for k, w := range walls {
		f.Parameters = append(f.Parameters, config.Parameter{
			Name:  fmt.Sprintf("wall%d.%s", k, w.Axis),
			Rule:  param.KindTranslate,
			Axis:  w.Axis.String(),
			Nodes: []int{w.Origin, w.End},
			Lower: -limit,
			Upper: limit,
		})
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// octaveNoise layers several frequencies of noise and renormalizes to the
// range of a single octave.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
