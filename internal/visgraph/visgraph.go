// Package visgraph is an in-process visibility graph. Sample points are laid
// on a grid inside the query and reference regions; two samples are linked
// when no obstacle footprint blocks the segment between them.
package visgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/envopt/internal/env"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultSpacing is the grid step used when Options.Spacing is not set.
const DefaultSpacing = 1.0

// ObstacleSource provides the obstacles the graph is built against.
type ObstacleSource interface {
	Obstacles() []env.Obstacle
}

// Options controls sampling and build parallelism.
type Options struct {
	Spacing float64
	Workers int
}

type region struct {
	min, max  r3.Vec
	reference bool
}

// Graph implements env.VisibilityGraph.
type Graph struct {
	mu      sync.Mutex
	src     ObstacleSource
	backend Backend
	opts    Options

	regions []region

	built     bool
	samples   []r2.Vec
	reference []bool
	adj       [][]int
}

var _ env.VisibilityGraph = (*Graph)(nil)

// New creates a graph reading obstacles from src.
func New(src ObstacleSource, backend Backend, opts Options) *Graph {
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Graph{src: src, backend: backend, opts: opts}
}

// Backend returns the build implementation in use.
func (g *Graph) Backend() Backend { return g.backend }

// ClearGraph drops regions and the built graph.
func (g *Graph) ClearGraph() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions = g.regions[:0]
	g.reset()
}

func (g *Graph) AddQueryRegion(min, max r3.Vec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions = append(g.regions, region{min: min, max: max})
	g.reset()
}

func (g *Graph) AddReferenceRegion(min, max r3.Vec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions = append(g.regions, region{min: min, max: max, reference: true})
	g.reset()
}

func (g *Graph) reset() {
	g.built = false
	g.samples = nil
	g.reference = nil
	g.adj = nil
}

// Build samples the regions and links mutually visible samples.
func (g *Graph) Build(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	obstacles := g.src.Obstacles()
	rects := make([]rect, len(obstacles))
	for i, o := range obstacles {
		rects[i] = footprint(o)
	}

	g.reset()
	for _, r := range g.regions {
		for _, p := range gridSamples(r.min, r.max, g.opts.Spacing) {
			if blocked(rects, p) {
				continue
			}
			g.samples = append(g.samples, p)
			g.reference = append(g.reference, r.reference)
		}
	}

	var (
		adj [][]int
		err error
	)
	if g.opts.Workers > 1 {
		adj, err = linkParallel(ctx, g.samples, rects, g.opts.Workers)
	} else {
		adj, err = linkSequential(ctx, g.samples, rects)
	}
	if err != nil {
		return fmt.Errorf("link samples: %w", err)
	}
	g.adj = adj
	g.built = true

	slog.Debug("Visibility graph built",
		"backend", g.backend,
		"samples", len(g.samples),
		"obstacles", len(rects),
		"duration", time.Since(start))
	return nil
}

func blocked(rects []rect, p r2.Vec) bool {
	for _, r := range rects {
		if r.contains(p) {
			return true
		}
	}
	return false
}

func visible(rects []rect, p, q r2.Vec) bool {
	for _, r := range rects {
		if r.blocks(p, q) {
			return false
		}
	}
	return true
}

func linkSequential(ctx context.Context, samples []r2.Vec, rects []rect) ([][]int, error) {
	adj := make([][]int, len(samples))
	for i := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(samples); j++ {
			if visible(rects, samples[i], samples[j]) {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}
	return adj, nil
}

// linkParallel computes the upper triangle row by row in parallel and then
// mirrors it in the same order as linkSequential.
func linkParallel(ctx context.Context, samples []r2.Vec, rects []rect, workers int) ([][]int, error) {
	upper := make([][]int, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := i + 1; j < len(samples); j++ {
				if visible(rects, samples[i], samples[j]) {
					upper[i] = append(upper[i], j)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	adj := make([][]int, len(samples))
	for i, row := range upper {
		for _, j := range row {
			adj[i] = append(adj[i], j)
			adj[j] = append(adj[j], i)
		}
	}
	return adj, nil
}

// SampleCount returns the number of unblocked samples of the last build.
func (g *Graph) SampleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.samples)
}
