// Package sqlite persists operational history: one row per child-process
// run and one row per saved topology snapshot. The canonical net file stays
// the source of truth for the topology itself; the database only records
// what happened and when.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Repository is the SQLite-backed history store.
type Repository struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at dbPath.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		adapter TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		end_state TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		content BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Run is one recorded child-process run.
type Run struct {
	ID        string     `json:"id"`
	Target    string     `json:"target"`
	Adapter   string     `json:"adapter,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndState  string     `json:"end_state,omitempty"`
}

// RecordRunStart inserts a run row when a process leaves Stopped.
func (r *Repository) RecordRunStart(ctx context.Context, id, target, adapter string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, target, adapter, started_at) VALUES (?, ?, ?, ?)
	`, id, target, adapter, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordRunEnd closes a run row with its terminal state.
func (r *Repository) RecordRunEnd(ctx context.Context, id string, at time.Time, endState string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, end_state = ? WHERE id = ?
	`, at.UTC(), endState, id)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, adapter, started_at, ended_at, end_state
		FROM runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			adapter  sql.NullString
			endedAt  sql.NullTime
			endState sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Target, &adapter, &run.StartedAt, &endedAt, &endState); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Adapter = adapter.String
		run.EndState = endState.String
		if endedAt.Valid {
			t := endedAt.Time
			run.EndedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SnapshotInfo describes one saved topology snapshot without its content.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Size      int       `json:"size"`
}

// SaveSnapshot stores the serialized canonical file content.
func (r *Repository) SaveSnapshot(ctx context.Context, id string, at time.Time, content []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, created_at, content) VALUES (?, ?, ?)
	`, id, at.UTC(), content)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshot metadata, newest first.
func (r *Repository) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_at, length(content)
		FROM snapshots ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// GetSnapshot returns a snapshot's content.
func (r *Repository) GetSnapshot(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT content FROM snapshots WHERE id = ?
	`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return content, nil
}
