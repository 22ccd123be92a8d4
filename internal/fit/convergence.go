package fit

import (
	"log/slog"
	"math"
)

// stallDetector stops a run whose best-so-far cost (lower is better) has not
// improved by a relative threshold for a number of rounds. Improvement is
// measured against the last cost that counted as progress, scaled by
// max(|cost|, 1) so costs near zero compare absolutely.
type stallDetector struct {
	patience  int
	threshold float64

	ref   float64
	best  float64
	stale int
	seen  bool
}

func newStallDetector(cfg Config) *stallDetector {
	return &stallDetector{
		patience:  cfg.Patience,
		threshold: cfg.PatienceThreshold,
		ref:       math.Inf(1),
		best:      math.Inf(1),
	}
}

// observe takes the best-so-far cost after a round and reports a stall.
// A detector with zero patience never stalls.
func (s *stallDetector) observe(cost float64) bool {
	if s.patience <= 0 {
		return false
	}
	s.best = math.Min(s.best, cost)
	if !s.seen {
		s.seen = true
		s.ref = cost
		return false
	}

	gain := (s.ref - cost) / math.Max(math.Abs(s.ref), 1)
	if gain > 0 && gain >= s.threshold {
		s.ref = cost
		s.stale = 0
		return false
	}

	s.stale++
	if s.stale < s.patience {
		return false
	}
	slog.Info("Run stalled",
		"rounds_without_progress", s.stale,
		"threshold", s.threshold,
		"best_cost", s.best,
	)
	return true
}
