package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore records run history in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open creates the store, applies pending migrations and returns it ready
// for use.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("stores: database path is required")
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("stores: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stores: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stores: enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("stores: reading embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("stores: creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("stores: creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("stores: applying migrations: %w", err)
	}
	return nil
}

// RecordResult persists a completed engine run with its layer outcomes and
// warnings in one transaction.
func (s *SQLiteStore) RecordResult(ctx context.Context, res *engine.RunResult) error {
	run, layers, warnings := fromResult(res)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stores: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, mode, state, error, warnings, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, run.State, run.Error, run.Warnings,
		run.StartedAt, run.CompletedAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("stores: inserting run: %w", err)
	}

	for _, lr := range layers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO layer_results (run_id, key, status, output_path, pixels_modified, message)
			VALUES (?, ?, ?, ?, ?, ?)`,
			lr.RunID, lr.Key, lr.Status, lr.OutputPath, lr.PixelsModified, lr.Message,
		)
		if err != nil {
			return fmt.Errorf("stores: inserting layer result %s: %w", lr.Key, err)
		}
	}

	for _, w := range warnings {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_warnings (run_id, code, layer, zone, count, message)
			VALUES (?, ?, ?, ?, ?, ?)`,
			w.RunID, w.Code, w.Layer, w.Zone, w.Count, w.Message,
		)
		if err != nil {
			return fmt.Errorf("stores: inserting warning: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stores: committing run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, state, error, warnings, started_at, completed_at, created_at
		FROM runs WHERE id = ?`, id).Scan(
		&run.ID, &run.Mode, &run.State, &run.Error, &run.Warnings,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stores: run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("stores: reading run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, state, error, warnings, started_at, completed_at, created_at
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("stores: listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID, &run.Mode, &run.State, &run.Error, &run.Warnings,
			&run.StartedAt, &run.CompletedAt, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("stores: scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LayerResults returns a run's per-layer outcomes ordered by layer key.
func (s *SQLiteStore) LayerResults(ctx context.Context, runID string) ([]*LayerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, key, status, output_path, pixels_modified, message
		FROM layer_results WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return nil, fmt.Errorf("stores: listing layer results: %w", err)
	}
	defer rows.Close()

	var records []*LayerRecord
	for rows.Next() {
		lr := &LayerRecord{}
		if err := rows.Scan(
			&lr.RunID, &lr.Key, &lr.Status, &lr.OutputPath, &lr.PixelsModified, &lr.Message,
		); err != nil {
			return nil, fmt.Errorf("stores: scanning layer result: %w", err)
		}
		records = append(records, lr)
	}
	return records, rows.Err()
}

// Warnings returns a run's recorded warnings in insertion order.
func (s *SQLiteStore) Warnings(ctx context.Context, runID string) ([]*WarningRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, code, layer, zone, count, message
		FROM run_warnings WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("stores: listing warnings: %w", err)
	}
	defer rows.Close()

	var records []*WarningRecord
	for rows.Next() {
		w := &WarningRecord{}
		if err := rows.Scan(&w.RunID, &w.Code, &w.Layer, &w.Zone, &w.Count, &w.Message); err != nil {
			return nil, fmt.Errorf("stores: scanning warning: %w", err)
		}
		records = append(records, w)
	}
	return records, rows.Err()
}

// PruneRuns deletes runs older than the cutoff, cascading to their layer
// results and warnings. It returns the number of runs removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("stores: pruning runs: %w", err)
	}
	return res.RowsAffected()
}
