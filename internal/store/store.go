// Package store persists what a run leaves behind: checkpoints of the best
// vector, per-round records (JSONL trace, text log, SQLite) and round
// snapshots.
package store

// Store is checkpoint persistence keyed by run id. Implementations must be
// safe for concurrent use.
//
// Error handling conventions:
//   - Return ErrNotFound if the run has no checkpoint (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically saves (or overwrites) the checkpoint of a run.
	SaveCheckpoint(runID string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint of a run.
	LoadCheckpoint(runID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all available checkpoints.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the run directory with every artifact in it:
	// checkpoint.json, trace.jsonl, rounds.log, rounds.db and snapshots/.
	DeleteCheckpoint(runID string) error
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
