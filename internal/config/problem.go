package config

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/envopt/internal/env"
	"github.com/cwbudde/envopt/internal/fit"
	"github.com/cwbudde/envopt/internal/sim"
	"github.com/cwbudde/envopt/internal/visgraph"
)

// CollaboratorFactory returns a factory creating an in-process world and a
// visibility graph built against it.
func (f *File) CollaboratorFactory() env.CollaboratorFactory {
	vg := f.VisGraph
	return func() (env.Collaborators, func(), error) {
		world := sim.NewWorld()
		graph, cleanup, err := visgraph.NewForBackend(vg.Backend, world, visgraph.Options{
			Spacing: vg.Spacing,
			Workers: vg.Workers,
		})
		if err != nil {
			return env.Collaborators{}, nil, err
		}
		return env.Collaborators{World: world, Graph: graph}, func() {
			cleanup()
			if err := world.Clear(); err != nil {
				slog.Warn("Failed to clear world", "error", err)
			}
		}, nil
	}
}

// Problem assembles the run input. The returned cleanup releases the
// sequential collaborator pair and must be called after the run.
func (f *File) Problem() (fit.Problem, func(), error) {
	noop := func() {}

	mode, err := f.ParsedMode()
	if err != nil {
		return fit.Problem{}, noop, err
	}
	g, regions, err := f.BaseLayout()
	if err != nil {
		return fit.Problem{}, noop, err
	}
	params, err := f.ParameterSet()
	if err != nil {
		return fit.Problem{}, noop, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	p := fit.Problem{
		Mode:    mode,
		Params:  params,
		Graph:   g,
		Regions: regions,
		Config:  f.Optimization,
	}

	factory := f.CollaboratorFactory()
	if f.Optimization.Workers > 1 {
		p.NewCollaborators = factory
		return p, noop, nil
	}
	c, cleanup, err := factory()
	if err != nil {
		return fit.Problem{}, noop, err
	}
	p.Collaborators = c
	return p, cleanup, nil
}
