package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
)

// Batch statuses.
const (
	BatchRunning    = "running"
	BatchTerminated = "terminated"
	BatchFailed     = "failed"
)

// ErrUnknownBatch is returned when finishing a batch that was never started.
var ErrUnknownBatch = errors.New("unknown batch")

// Batch is one stored scan run.
type Batch struct {
	ID           uuid.UUID        `json:"id"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
	FirstRequest geometry.Request `json:"first_request"`
	Measurements int              `json:"measurements"`
}

// Measurement is one stored detector reading with its stage context.
type Measurement struct {
	RunID      string          `json:"run_id"`
	BatchID    uuid.UUID       `json:"batch_id"`
	BatchCount int             `json:"batch_count"`
	RecordedAt time.Time       `json:"recorded_at"`
	Point      geometry.Point  `json:"point"`
	Position   geometry.XY     `json:"position"`
	Intensity  float64         `json:"intensity"`
	Metadata   json.RawMessage `json:"metadata"`
}

// StartBatch records a new running batch. Starting a batch twice is a no-op.
func (db *DB) StartBatch(id uuid.UUID, first geometry.Request, startedAt time.Time) error {
	req, err := json.Marshal(first)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO scan_batches (batch_id, started_at, status, first_request)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (batch_id) DO NOTHING`,
		id.String(), startedAt.UnixNano(), BatchRunning, string(req))
	if err != nil {
		return fmt.Errorf("start batch %s: %w", id, err)
	}
	return nil
}

// FinishBatch marks a batch terminated or failed. runErr is stored as text.
func (db *DB) FinishBatch(id uuid.UUID, status string, runErr error, finishedAt time.Time) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := db.Exec(`
		UPDATE scan_batches SET status = ?, error = ?, finished_at = ?
		WHERE batch_id = ?`,
		status, msg, finishedAt.UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("finish batch %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish batch %s: %w", id, ErrUnknownBatch)
	}
	return nil
}

// RecordMeasurement stores one measurement. Its batch must already exist.
func (db *DB) RecordMeasurement(m Measurement) error {
	md := m.Metadata
	if md == nil {
		md = json.RawMessage("{}")
	}
	_, err := db.Exec(`
		INSERT INTO measurements (
			run_id, batch_id, batch_count, recorded_at,
			ti, temperature, annealing_time, thickness, x, y,
			intensity, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.BatchID.String(), m.BatchCount, m.RecordedAt.UnixNano(),
		m.Point.Ti, m.Point.Temperature, m.Point.AnnealingTime, m.Point.Thickness,
		m.Position.X, m.Position.Y, m.Intensity, string(md))
	if err != nil {
		return fmt.Errorf("record measurement %s: %w", m.RunID, err)
	}
	return nil
}

// Measurements returns a batch's measurements in acquisition order.
func (db *DB) Measurements(batchID uuid.UUID) ([]Measurement, error) {
	rows, err := db.Query(`
		SELECT run_id, batch_id, batch_count, recorded_at,
		       ti, temperature, annealing_time, thickness, x, y,
		       intensity, metadata
		FROM measurements WHERE batch_id = ?
		ORDER BY batch_count`, batchID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Measurement{}
	for rows.Next() {
		var (
			m        Measurement
			batch    string
			recorded int64
			md       string
		)
		if err := rows.Scan(&m.RunID, &batch, &m.BatchCount, &recorded,
			&m.Point.Ti, &m.Point.Temperature, &m.Point.AnnealingTime, &m.Point.Thickness,
			&m.Position.X, &m.Position.Y, &m.Intensity, &md); err != nil {
			return nil, err
		}
		if m.BatchID, err = uuid.Parse(batch); err != nil {
			return nil, fmt.Errorf("measurement %s: %w", m.RunID, err)
		}
		m.RecordedAt = time.Unix(0, recorded).UTC()
		m.Metadata = json.RawMessage(md)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Batches returns all batches, newest first.
func (db *DB) Batches() ([]Batch, error) {
	rows, err := db.Query(`
		SELECT b.batch_id, b.started_at, b.finished_at, b.status, b.error, b.first_request,
		       (SELECT COUNT(*) FROM measurements m WHERE m.batch_id = b.batch_id)
		FROM scan_batches b
		ORDER BY b.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Batch{}
	for rows.Next() {
		var (
			b        Batch
			id       string
			started  int64
			finished sql.NullInt64
			msg      sql.NullString
			first    string
		)
		if err := rows.Scan(&id, &started, &finished, &b.Status, &msg, &first, &b.Measurements); err != nil {
			return nil, err
		}
		if b.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("batch %q: %w", id, err)
		}
		b.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t := time.Unix(0, finished.Int64).UTC()
			b.FinishedAt = &t
		}
		b.Error = msg.String
		if err := json.Unmarshal([]byte(first), &b.FirstRequest); err != nil {
			return nil, fmt.Errorf("batch %s: bad first_request: %w", id, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
