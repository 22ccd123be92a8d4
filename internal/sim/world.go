// Package sim is an in-process world holding the obstacles of the current
// candidate.
package sim

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cwbudde/envopt/internal/env"
)

// ErrNotRunning is returned when the simulation is restarted without a reset.
var ErrNotRunning = errors.New("simulation was not reset")

// World stores oriented obstacles and a simulation generation counter. It
// implements env.World and is safe for concurrent use.
type World struct {
	mu         sync.RWMutex
	obstacles  []env.Obstacle
	generation int
	running    bool
	resetDone  bool
}

// NewWorld returns an empty, running world.
func NewWorld() *World {
	return &World{running: true}
}

func (w *World) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.obstacles = w.obstacles[:0]
	return nil
}

func (w *World) AddOrientedObstacle(o env.Obstacle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.obstacles = append(w.obstacles, o)
	return nil
}

// ResetSimulation stops the simulation until RestartSimulation is called.
func (w *World) ResetSimulation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.resetDone = true
	return nil
}

// RestartSimulation starts a new generation with the current obstacles.
func (w *World) RestartSimulation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.resetDone {
		return ErrNotRunning
	}
	w.resetDone = false
	w.running = true
	w.generation++
	slog.Debug("Simulation restarted", "generation", w.generation, "obstacles", len(w.obstacles))
	return nil
}

// Obstacles returns a copy of the obstacle list.
func (w *World) Obstacles() []env.Obstacle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]env.Obstacle, len(w.obstacles))
	copy(out, w.obstacles)
	return out
}

// StaticCount returns the number of obstacles flagged static.
func (w *World) StaticCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, o := range w.obstacles {
		if o.Static {
			n++
		}
	}
	return n
}

// Generation counts completed restarts.
func (w *World) Generation() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// Running reports whether the simulation is active.
func (w *World) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
