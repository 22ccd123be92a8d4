// Package env turns candidate vectors into concrete environments and pushes
// them into the world and visibility graph collaborators.
package env

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"
)

// Obstacle is an oriented box derived from one wall.
type Obstacle struct {
	Center       r3.Vec
	Length       float64
	Height       float64
	BaseOffset   float64
	HeightScale  float64
	AngleDegrees float64
	// Static is set when neither endpoint of the wall moved.
	Static bool
}

// World owns the obstacle list and the simulation.
type World interface {
	Clear() error
	AddOrientedObstacle(o Obstacle) error
	ResetSimulation() error
	RestartSimulation() error
}

// VisibilityGraph produces structural metrics for the obstacles currently in
// its world.
type VisibilityGraph interface {
	ClearGraph()
	AddQueryRegion(min, max r3.Vec)
	AddReferenceRegion(min, max r3.Vec)
	Build(ctx context.Context) error
	MeanDegree() (float64, error)
	MeanDepthAndEntropy() (depth, entropy float64, err error)
	IsConnected() (bool, error)
}

// Collaborators is a world and the visibility graph attached to it. A pair
// must not be shared between concurrent evaluations.
type Collaborators struct {
	World World
	Graph VisibilityGraph
}

// CollaboratorFactory creates an isolated collaborator pair. The returned
// cleanup releases its resources.
type CollaboratorFactory func() (Collaborators, func(), error)
