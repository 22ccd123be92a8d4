package visgraph

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Backend selects how the visibility rows are computed.
type Backend string

const (
	BackendCPU      Backend = "cpu"
	BackendParallel Backend = "parallel"
)

var (
	ErrUnknownBackend = errors.New("unknown visibility backend")
	// ErrNotBuilt is returned by queries issued before Build.
	ErrNotBuilt = errors.New("visibility graph not built")
)

var noopCleanup = func() {}

// NormalizeBackend maps a configured name to a Backend. "gpu" selects the
// parallel backend.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return BackendCPU
	case "parallel", "par", "gpu":
		return BackendParallel
	default:
		return Backend(name)
	}
}

// SupportedBackends lists the backends NewForBackend accepts.
func SupportedBackends() []Backend {
	return []Backend{BackendCPU, BackendParallel}
}

// NewForBackend constructs a visibility graph over src with the requested
// backend and returns a cleanup hook.
func NewForBackend(name string, src ObstacleSource, opts Options) (*Graph, func(), error) {
	backend := NormalizeBackend(name)

	switch backend {
	case BackendCPU:
		opts.Workers = 1
	case BackendParallel:
		if opts.Workers <= 0 {
			opts.Workers = runtime.GOMAXPROCS(0)
		}
	default:
		return nil, noopCleanup, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return New(src, backend, opts), noopCleanup, nil
}
