// Package tracedb persists registration runs and extracted intensity
// traces to a sqlite database. The schema is managed with embedded
// golang-migrate migrations so an older database upgrades in place.
package tracedb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/lumenlab/flimgo/internal/monitoring"
	"github.com/lumenlab/flimgo/internal/register"
	"github.com/lumenlab/flimgo/internal/roi"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the trace database at path and applies
// any pending migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracedb: open %s: %w", path, err)
	}
	d := &DB{db}
	if err := d.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// migrateUp applies all pending embedded migrations. Already-current
// databases are a no-op.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("tracedb: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("tracedb: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("tracedb: migrate instance: %w", err)
	}
	// Closing m would close the underlying DB connection, so we don't.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("tracedb: migration failed: %w", err)
	}
	return nil
}

// RunInfo is one row of registration_runs.
type RunInfo struct {
	RunID         string
	SessionID     string
	ContainerPath string
	Strategy      string
	RefOrdinal    int
	Threshold     float64
	Resample      string
	FrameCount    int
	CreatedAt     time.Time
}

// SaveRegistration stores a registration run and its per-frame transforms.
func (db *DB) SaveRegistration(sessionID, containerPath string, res *register.Result) error {
	if res == nil {
		return fmt.Errorf("tracedb: nil registration result")
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("tracedb: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO registration_runs (
			run_id, session_id, container_path, strategy, ref_ordinal,
			residual_threshold, resample, frame_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, sessionID, containerPath, res.Strategy, res.RefOrdinal,
		res.Threshold, res.Resample.String(), len(res.Frames),
	)
	if err != nil {
		return fmt.Errorf("tracedb: insert run: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO frame_transforms (
			run_id, ordinal, dx, dy, rotation, scale, residual, score, low_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("tracedb: prepare transforms: %w", err)
	}
	defer stmt.Close()
	for _, fa := range res.Frames {
		lc := 0
		if fa.LowConfidence {
			lc = 1
		}
		t := fa.Transform
		scale := t.Scale
		if scale == 0 {
			scale = 1
		}
		if _, err := stmt.Exec(res.RunID, fa.Ordinal, t.DX, t.DY, t.Rotation, scale,
			fa.Residual, fa.Score, lc); err != nil {
			return fmt.Errorf("tracedb: insert transform %d: %w", fa.Ordinal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tracedb: commit: %w", err)
	}
	monitoring.Logf("tracedb: saved run %s (%d transforms)", res.RunID, len(res.Frames))
	return nil
}

// SaveTraces stores extracted traces. runID may be empty for unregistered
// extractions. Returns the assigned trace IDs in input order.
func (db *DB) SaveTraces(sessionID, runID, aggregation string, traces []roi.Trace) ([]int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("tracedb: begin: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(traces))
	for _, tr := range traces {
		resRow, err := tx.Exec(
			`INSERT INTO roi_traces (session_id, run_id, roi_id, label, aggregation)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, runID, tr.ROIID, tr.Label, aggregation)
		if err != nil {
			return nil, fmt.Errorf("tracedb: insert trace %s: %w", tr.ROIID, err)
		}
		id, err := resRow.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("tracedb: trace id: %w", err)
		}
		for _, p := range tr.Points {
			if _, err := tx.Exec(
				`INSERT INTO trace_points (trace_id, ordinal, value) VALUES (?, ?, ?)`,
				id, p.Ordinal, p.Value); err != nil {
				return nil, fmt.Errorf("tracedb: insert point %d/%d: %w", id, p.Ordinal, err)
			}
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tracedb: commit: %w", err)
	}
	return ids, nil
}

// ListRuns returns all registration runs, newest first.
func (db *DB) ListRuns() ([]RunInfo, error) {
	rows, err := db.Query(
		`SELECT run_id, session_id, container_path, strategy, ref_ordinal,
		        residual_threshold, resample, frame_count, created_at
		 FROM registration_runs ORDER BY created_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("tracedb: list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.ContainerPath, &r.Strategy,
			&r.RefOrdinal, &r.Threshold, &r.Resample, &r.FrameCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("tracedb: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Transforms returns the saved per-frame transforms for a run, in ordinal
// order.
func (db *DB) Transforms(runID string) ([]register.FrameAlignment, error) {
	rows, err := db.Query(
		`SELECT ordinal, dx, dy, rotation, scale, residual, score, low_confidence
		 FROM frame_transforms WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("tracedb: transforms: %w", err)
	}
	defer rows.Close()

	var out []register.FrameAlignment
	for rows.Next() {
		var fa register.FrameAlignment
		var lc int
		if err := rows.Scan(&fa.Ordinal, &fa.Transform.DX, &fa.Transform.DY,
			&fa.Transform.Rotation, &fa.Transform.Scale, &fa.Residual, &fa.Score, &lc); err != nil {
			return nil, fmt.Errorf("tracedb: scan transform: %w", err)
		}
		fa.LowConfidence = lc != 0
		out = append(out, fa)
	}
	return out, rows.Err()
}

// TracePoints returns one saved trace by ID.
func (db *DB) TracePoints(traceID int64) (roi.Trace, error) {
	var tr roi.Trace
	err := db.QueryRow(
		`SELECT roi_id, label FROM roi_traces WHERE trace_id = ?`, traceID).
		Scan(&tr.ROIID, &tr.Label)
	if err != nil {
		return tr, fmt.Errorf("tracedb: trace %d: %w", traceID, err)
	}

	rows, err := db.Query(
		`SELECT ordinal, value FROM trace_points WHERE trace_id = ? ORDER BY ordinal`, traceID)
	if err != nil {
		return tr, fmt.Errorf("tracedb: points %d: %w", traceID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p roi.TracePoint
		if err := rows.Scan(&p.Ordinal, &p.Value); err != nil {
			return tr, fmt.Errorf("tracedb: scan point: %w", err)
		}
		tr.Points = append(tr.Points, p)
	}
	return tr, rows.Err()
}
