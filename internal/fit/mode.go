package fit

import (
	"fmt"
	"strings"
)

// Mode selects the objective the search maximizes. It is fixed for a run.
type Mode int

const (
	// ModeMultiObjective sums every weighted metric and penalty.
	ModeMultiObjective Mode = iota
	// ModePLE rewards shallow visibility trees: 1 / (1 + mean depth).
	ModePLE
	// ModeFlow rewards well connected, shallow layouts:
	// mean degree / (1 + mean depth).
	ModeFlow
	// ModeDegree is the raw mean degree.
	ModeDegree
)

var modeNames = map[Mode]string{
	ModeMultiObjective: "multi",
	ModePLE:            "ple",
	ModeFlow:           "flow",
	ModeDegree:         "degree",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the names printed by String and a few aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "multi", "multiobjective", "multi-objective":
		return ModeMultiObjective, nil
	case "ple":
		return ModePLE, nil
	case "flow":
		return ModeFlow, nil
	case "degree":
		return ModeDegree, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrConfig, s)
}

// Modes lists every mode.
func Modes() []Mode {
	return []Mode{ModeMultiObjective, ModePLE, ModeFlow, ModeDegree}
}

func (m Mode) needsDegree() bool { return m == ModeFlow || m == ModeDegree }

func (m Mode) needsDepth() bool { return m == ModePLE || m == ModeFlow }

// objective returns the structural score of r under m. Penalties are added
// by the caller for every mode.
func (m Mode) objective(r *Result) float64 {
	switch m {
	case ModePLE:
		return 1 / (1 + r.Depth)
	case ModeFlow:
		return r.Degree / (1 + r.Depth)
	case ModeDegree:
		return r.Degree
	}
	return r.Vector[0] + r.Vector[1] + r.Vector[2]
}
