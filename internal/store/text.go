package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// TextRecorder writes the plain log format: a label line with the field
// names separated by spaces, then one space-separated line per round.
type TextRecorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

var _ Recorder = (*TextRecorder)(nil)

// NewTextRecorder writes to w. Close flushes but does not close w.
func NewTextRecorder(w io.Writer) *TextRecorder {
	return &TextRecorder{w: bufio.NewWriter(w)}
}

// CreateTextRecorder creates <baseDir>/runs/<runID>/rounds.log.
func CreateTextRecorder(baseDir, runID string) (*TextRecorder, error) {
	runDir := RunDir(baseDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.Create(filepath.Join(runDir, TextLogFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create text log: %w", err)
	}
	return &TextRecorder{w: bufio.NewWriter(f), closer: f}, nil
}

func (t *TextRecorder) WriteHeader(fields []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.w.WriteString(strings.Join(fields, " ") + "\n")
	return err
}

func (t *TextRecorder) Record(r RoundRecord) error {
	values := r.Values()
	parts := make([]string, len(values))
	parts[0] = strconv.Itoa(r.Iteration)
	for i := 1; i < len(values); i++ {
		parts[i] = strconv.FormatFloat(values[i], 'g', -1, 64)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.w.WriteString(strings.Join(parts, " ") + "\n")
	return err
}

func (t *TextRecorder) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.w.Flush()
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ParseTextLog reads a log written by TextRecorder back into records.
// BestX and Timestamp are not part of the format.
func ParseTextLog(r io.Reader) ([]RoundRecord, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("text log: missing label line")
	}
	if got := strings.Fields(scanner.Text()); len(got) != len(RecordFields) {
		return nil, fmt.Errorf("text log: got %d labels, want %d", len(got), len(RecordFields))
	}

	var out []RoundRecord
	for line := 2; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != len(RecordFields) {
			return nil, fmt.Errorf("text log line %d: got %d values, want %d", line, len(fields), len(RecordFields))
		}
		v := make([]float64, len(fields))
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("text log line %d: %w", line, err)
			}
			v[i] = x
		}
		rec := RoundRecord{
			Iteration: int(v[0]),
			Fitness:   v[1],
			BestSoFar: v[2],
			ElapsedMS: v[len(v)-1],
		}
		copy(rec.Metrics[:], v[3:3+MetricCount])
		out = append(out, rec)
	}
	return out, scanner.Err()
}
