// Package trace persists nested-sampling runs in SQLite: run metadata, the
// dead-point chain, flow training events and live-point checkpoints used
// for resuming interrupted runs.
package trace

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	created_at   TEXT NOT NULL,
	config_json  TEXT,
	status       TEXT NOT NULL DEFAULT 'running',
	logz         REAL,
	info         REAL
);

CREATE TABLE IF NOT EXISTS dead_points (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	iteration  INTEGER NOT NULL,
	logl       REAL NOT NULL,
	logx       REAL NOT NULL,
	params     BLOB NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS training_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	iteration   INTEGER NOT NULL,
	epochs      INTEGER NOT NULL,
	val_loss    REAL,
	acceptance  REAL,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	iteration   INTEGER NOT NULL,
	logz        REAL NOT NULL,
	live_json   TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`
// #endregion schema

// #region store-struct
// Store manages run persistence in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion constructor

// #region runs
// RunRecord summarises one run.
type RunRecord struct {
	RunID      string
	CreatedAt  time.Time
	ConfigJSON string
	Status     string
	LogZ       float64
	Info       float64
	DeadPoints int
	Trainings  int
}

// CreateRun inserts a new run and returns its ID.
func (s *Store) CreateRun(configJSON string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, created_at, config_json) VALUES (?, ?, ?)`,
		id, now.Format(time.RFC3339Nano), configJSON,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run complete and records its evidence estimate.
func (s *Store) FinishRun(runID string, logZ, info float64) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = 'finished', logz = ?, info = ? WHERE run_id = ?`,
		logZ, info, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Summary reads a run record with its dead-point and training counts.
func (s *Store) Summary(runID string) (RunRecord, error) {
	var rec RunRecord
	var createdStr string
	var cfg, status sql.NullString
	var logZ, info sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT run_id, created_at, config_json, status, logz, info FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&rec.RunID, &createdStr, &cfg, &status, &logZ, &info)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.ConfigJSON = cfg.String
	rec.Status = status.String
	rec.LogZ = logZ.Float64
	rec.Info = info.Float64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM dead_points WHERE run_id = ?`, runID,
	).Scan(&rec.DeadPoints); err != nil {
		return RunRecord{}, fmt.Errorf("count dead points: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM training_events WHERE run_id = ?`, runID,
	).Scan(&rec.Trainings); err != nil {
		return RunRecord{}, fmt.Errorf("count trainings: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, created_at, status, logz FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var createdStr string
		var status sql.NullString
		var logZ sql.NullFloat64
		if err := rows.Scan(&rec.RunID, &createdStr, &status, &logZ); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		rec.Status = status.String
		rec.LogZ = logZ.Float64
		out = append(out, rec)
	}
	return out, rows.Err()
}
// #endregion runs

// #region dead-points
// DeadPoint is one step of the contour advancement chain.
type DeadPoint struct {
	Iteration int
	LogL      float64
	LogX      float64
	Params    []float64
}

// AppendDeadPoint records a point removed from the live set.
func (s *Store) AppendDeadPoint(runID string, dp DeadPoint) error {
	_, err := s.db.Exec(
		`INSERT INTO dead_points (run_id, iteration, logl, logx, params) VALUES (?, ?, ?, ?, ?)`,
		runID, dp.Iteration, dp.LogL, dp.LogX, encodeVector(dp.Params),
	)
	if err != nil {
		return fmt.Errorf("insert dead point: %w", err)
	}
	return nil
}

// DeadPoints reads back the chain in iteration order.
func (s *Store) DeadPoints(runID string) ([]DeadPoint, error) {
	rows, err := s.db.Query(
		`SELECT iteration, logl, logx, params FROM dead_points
		 WHERE run_id = ? ORDER BY iteration ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dead points: %w", err)
	}
	defer rows.Close()

	var out []DeadPoint
	for rows.Next() {
		var dp DeadPoint
		var blob []byte
		if err := rows.Scan(&dp.Iteration, &dp.LogL, &dp.LogX, &blob); err != nil {
			return nil, fmt.Errorf("scan dead point: %w", err)
		}
		dp.Params = decodeVector(blob)
		out = append(out, dp)
	}
	return out, rows.Err()
}
// #endregion dead-points

// #region training-events
// TrainingEvent records one flow training pass.
type TrainingEvent struct {
	Iteration  int
	Epochs     int
	ValLoss    float64
	Acceptance float64
}

// RecordTraining appends a training event for a run.
func (s *Store) RecordTraining(runID string, ev TrainingEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO training_events (run_id, iteration, epochs, val_loss, acceptance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, ev.Iteration, ev.Epochs, ev.ValLoss, ev.Acceptance,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert training event: %w", err)
	}
	return nil
}

// TrainingEvents returns the training history for a run in iteration order.
func (s *Store) TrainingEvents(runID string) ([]TrainingEvent, error) {
	rows, err := s.db.Query(
		`SELECT iteration, epochs, val_loss, acceptance FROM training_events
		 WHERE run_id = ? ORDER BY iteration ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list training events: %w", err)
	}
	defer rows.Close()

	var out []TrainingEvent
	for rows.Next() {
		var ev TrainingEvent
		if err := rows.Scan(&ev.Iteration, &ev.Epochs, &ev.ValLoss, &ev.Acceptance); err != nil {
			return nil, fmt.Errorf("scan training event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
// #endregion training-events

// #region checkpoints
// Checkpoint captures enough state to resume a run: the iteration, the
// accumulated evidence and the full live set.
type Checkpoint struct {
	Iteration int         `json:"iteration"`
	LogZ      float64     `json:"logz"`
	Live      []LivePoint `json:"live"`
}

// LivePoint is the serialised form of a live point.
type LivePoint struct {
	Values []float64 `json:"values"`
	LogL   float64   `json:"logl"`
	LogP   float64   `json:"logp"`
}

// SaveCheckpoint stores a checkpoint for a run.
func (s *Store) SaveCheckpoint(runID string, cp Checkpoint) error {
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (run_id, iteration, logz, live_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, cp.Iteration, cp.LogZ, string(blob),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint loads the most recent checkpoint for a run.
// Returns sql.ErrNoRows when none exists.
func (s *Store) LatestCheckpoint(runID string) (Checkpoint, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT live_json FROM checkpoints WHERE run_id = ? ORDER BY iteration DESC LIMIT 1`,
		runID,
	).Scan(&blob)
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(blob), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, nil
}
// #endregion checkpoints

// #region vector-encoding
func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}
// #endregion vector-encoding
