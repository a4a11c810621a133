package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorum-eval/assessor/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS dataset_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			model TEXT,
			text TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			stages TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dataset_records_run ON dataset_records(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Record(ctx context.Context, rec storage.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset_records (run_id, phase_id, model, text, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.PhaseID, rec.Model, rec.Text, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record %s/%s: %w", rec.RunID, rec.PhaseID, err)
	}
	return nil
}

func (s *Store) Records(ctx context.Context, runID string) ([]storage.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase_id, model, text, recorded_at FROM dataset_records
		 WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var (
			rec   storage.Record
			model sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.PhaseID, &model, &rec.Text, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Model = model.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveRun(ctx context.Context, run *storage.Run) error {
	snapshot, err := json.Marshal(run.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, snapshot, stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			stages = excluded.stages,
			updated_at = excluded.updated_at`,
		run.ID, run.Status, string(snapshot), string(stages), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, id string) (*storage.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, snapshot, stages, created_at, updated_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, snapshot, stages, created_at, updated_at FROM runs
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*storage.Run, error) {
	var (
		run              storage.Run
		snapshot, stages string
	)
	if err := sc.Scan(&run.ID, &run.Status, &snapshot, &stages, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &run.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(stages), &run.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	return &run, nil
}
