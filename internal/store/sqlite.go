package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores round records and phase timings in a SQLite
// database. Several runs can share one database.
type SQLiteRecorder struct {
	conn  *sqlx.DB
	runID string

	mu     sync.Mutex
	phases map[string]*phaseTotals
}

type phaseTotals struct {
	count int
	total time.Duration
}

var (
	_ Recorder      = (*SQLiteRecorder)(nil)
	_ PhaseRecorder = (*SQLiteRecorder)(nil)
)

// roundRow mirrors the rounds table.
type roundRow struct {
	RunID      string  `db:"run_id"`
	Iteration  int     `db:"iteration"`
	FVal       float64 `db:"f_val"`
	BestSoFar  float64 `db:"best_f_so_far"`
	Degree     float64 `db:"degree"`
	Depth      float64 `db:"depth"`
	Entropy    float64 `db:"entropy"`
	Clearence  float64 `db:"clearence"`
	Alignment  float64 `db:"alignment"`
	WallLength float64 `db:"wall_length"`
	TimeMS     float64 `db:"time_ms"`
	Timestamp  string  `db:"timestamp"`
	BestX      string  `db:"best_x"`
}

// PhaseSummary is the accumulated time of one evaluation phase.
type PhaseSummary struct {
	Phase   string  `db:"phase" json:"phase"`
	Count   int     `db:"count" json:"count"`
	TotalMS float64 `db:"total_ms" json:"totalMs"`
}

// OpenSQLiteRecorder opens or creates the database at path and records
// rounds under runID.
func OpenSQLiteRecorder(path, runID string) (*SQLiteRecorder, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	r := &SQLiteRecorder{conn: conn, runID: runID, phases: make(map[string]*phaseTotals)}
	if err := r.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		f_val REAL NOT NULL,
		best_f_so_far REAL NOT NULL,
		degree REAL NOT NULL,
		depth REAL NOT NULL,
		entropy REAL NOT NULL,
		clearence REAL NOT NULL,
		alignment REAL NOT NULL,
		wall_length REAL NOT NULL,
		time_ms REAL NOT NULL,
		timestamp TEXT NOT NULL,
		best_x TEXT NOT NULL,
		PRIMARY KEY (run_id, iteration)
	);

	CREATE TABLE IF NOT EXISTS phases (
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		count INTEGER NOT NULL,
		total_ms REAL NOT NULL,
		PRIMARY KEY (run_id, phase)
	);
	`
	_, err := r.conn.Exec(schema)
	return err
}

// WriteHeader checks that the table layout matches fields.
func (r *SQLiteRecorder) WriteHeader(fields []string) error {
	if len(fields) != len(RecordFields) {
		return fmt.Errorf("sqlite recorder: got %d fields, want %d", len(fields), len(RecordFields))
	}
	for i, f := range fields {
		if f != RecordFields[i] {
			return fmt.Errorf("sqlite recorder: unexpected field %q at %d", f, i)
		}
	}
	return nil
}

// Record upserts one round.
func (r *SQLiteRecorder) Record(rec RoundRecord) error {
	bestX, err := json.Marshal(rec.BestX)
	if err != nil {
		return fmt.Errorf("marshal best x: %w", err)
	}
	row := roundRow{
		RunID:      r.runID,
		Iteration:  rec.Iteration,
		FVal:       rec.Fitness,
		BestSoFar:  rec.BestSoFar,
		Degree:     rec.Metrics[0],
		Depth:      rec.Metrics[1],
		Entropy:    rec.Metrics[2],
		Clearence:  rec.Metrics[3],
		Alignment:  rec.Metrics[4],
		WallLength: rec.Metrics[5],
		TimeMS:     rec.ElapsedMS,
		Timestamp:  rec.Timestamp.UTC().Format(time.RFC3339Nano),
		BestX:      string(bestX),
	}
	_, err = r.conn.NamedExec(`INSERT OR REPLACE INTO rounds
		(run_id, iteration, f_val, best_f_so_far, degree, depth, entropy, clearence, alignment, wall_length, time_ms, timestamp, best_x)
		VALUES (:run_id, :iteration, :f_val, :best_f_so_far, :degree, :depth, :entropy, :clearence, :alignment, :wall_length, :time_ms, :timestamp, :best_x)`,
		row)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", rec.Iteration, err)
	}
	return nil
}

// RecordPhase accumulates a phase duration. Totals are written on Close.
func (r *SQLiteRecorder) RecordPhase(phase string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.phases[phase]
	if !ok {
		t = &phaseTotals{}
		r.phases[phase] = t
	}
	t.count++
	t.total += d
}

// Rounds returns the records of runID in iteration order.
func (r *SQLiteRecorder) Rounds(runID string) ([]RoundRecord, error) {
	var rows []roundRow
	if err := r.conn.Select(&rows, "SELECT * FROM rounds WHERE run_id = ? ORDER BY iteration", runID); err != nil {
		return nil, fmt.Errorf("select rounds: %w", err)
	}

	out := make([]RoundRecord, 0, len(rows))
	for _, row := range rows {
		rec := RoundRecord{
			Iteration: row.Iteration,
			Fitness:   row.FVal,
			BestSoFar: row.BestSoFar,
			Metrics:   [MetricCount]float64{row.Degree, row.Depth, row.Entropy, row.Clearence, row.Alignment, row.WallLength},
			ElapsedMS: row.TimeMS,
		}
		if ts, err := time.Parse(time.RFC3339Nano, row.Timestamp); err == nil {
			rec.Timestamp = ts
		}
		if err := json.Unmarshal([]byte(row.BestX), &rec.BestX); err != nil {
			return nil, fmt.Errorf("round %d: decode best x: %w", row.Iteration, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Phases returns the stored phase totals of runID.
func (r *SQLiteRecorder) Phases(runID string) ([]PhaseSummary, error) {
	var out []PhaseSummary
	err := r.conn.Select(&out, "SELECT phase, count, total_ms FROM phases WHERE run_id = ? ORDER BY phase", runID)
	if err != nil {
		return nil, fmt.Errorf("select phases: %w", err)
	}
	return out, nil
}

// FlushPhases adds the accumulated phase totals to the database.
func (r *SQLiteRecorder) FlushPhases() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.phases) == 0 {
		return nil
	}

	tx, err := r.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for phase, t := range r.phases {
		_, err := tx.Exec(`INSERT INTO phases (run_id, phase, count, total_ms) VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, phase) DO UPDATE SET count = count + excluded.count, total_ms = total_ms + excluded.total_ms`,
			r.runID, phase, t.count, float64(t.total)/float64(time.Millisecond))
		if err != nil {
			return fmt.Errorf("upsert phase %s: %w", phase, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.phases = make(map[string]*phaseTotals)
	return nil
}

// Close writes phase totals and closes the database.
func (r *SQLiteRecorder) Close() error {
	if err := r.FlushPhases(); err != nil {
		slog.Warn("Failed to store phase timings", "run_id", r.runID, "error", err)
	}
	return r.conn.Close()
}
