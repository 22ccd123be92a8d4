package store

import (
	"errors"
	"time"
)

// RecordFields is the header written before the first round. The metric
// columns follow the order of the weighted metric vector.
var RecordFields = []string{
	"iteration",
	"f_val",
	"best_f_so_far",
	"degree",
	"depth",
	"entropy",
	"clearence",
	"alignment",
	"wall_length",
	"time_ms",
}

// MetricCount is the number of weighted metric columns.
const MetricCount = 6

// RoundRecord is one row of per-round bookkeeping.
type RoundRecord struct {
	// Iteration is the round index, 0 being the evaluation of x0.
	Iteration int `json:"iteration"`

	// Fitness is the best fitness of this round's population.
	Fitness float64 `json:"fVal"`

	// BestSoFar is the best fitness seen since the run started.
	BestSoFar float64 `json:"bestSoFar"`

	// Metrics is the weighted metric vector of the round's best candidate,
	// the one Fitness belongs to.
	Metrics [MetricCount]float64 `json:"metrics"`

	// ElapsedMS is the cumulative evaluation time.
	ElapsedMS float64 `json:"timeMs"`

	Timestamp time.Time `json:"timestamp"`

	// BestX is the best-so-far phenotype (optional).
	BestX []float64 `json:"bestX,omitempty"`
}

// Values returns the record in RecordFields order.
func (r RoundRecord) Values() []float64 {
	v := make([]float64, 0, len(RecordFields))
	v = append(v, float64(r.Iteration), r.Fitness, r.BestSoFar)
	v = append(v, r.Metrics[:]...)
	return append(v, r.ElapsedMS)
}

// Recorder is a sink for per-round scalars.
type Recorder interface {
	WriteHeader(fields []string) error
	Record(r RoundRecord) error
	Close() error
}

// PhaseRecorder is implemented by recorders that also accept per-phase
// evaluation timings ("setup", "objectives", "penalties").
type PhaseRecorder interface {
	RecordPhase(phase string, d time.Duration)
}

// MultiRecorder fans out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) WriteHeader(fields []string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.WriteHeader(fields))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) Record(rec RoundRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Record(rec))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) RecordPhase(phase string, d time.Duration) {
	for _, r := range m {
		if p, ok := r.(PhaseRecorder); ok {
			p.RecordPhase(phase, d)
		}
	}
}

func (m MultiRecorder) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
