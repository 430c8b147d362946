package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bridge-exporter/internal/model"
)

// CreateRun stores a new export run
func (s *Store) CreateRun(ctx context.Context, run model.ExportRun) error {
	reqJSON, err := json.Marshal(run.Request)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO export_runs (id, request, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(reqJSON), run.Status, toMillis(run.CreatedAt), toMillis(run.UpdatedAt))
	return err
}

// UpdateRunStatus updates a run's status
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE export_runs SET status = ?, updated_at = ? WHERE id = ?`, status, toMillis(s.now()), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun fetches one run
func (s *Store) GetRun(ctx context.Context, runID string) (*model.ExportRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request, status, created_at, updated_at FROM export_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns(ctx context.Context) ([]model.ExportRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request, status, created_at, updated_at FROM export_runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []model.ExportRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.ExportRun, error) {
	var (
		run                  model.ExportRun
		reqJSON              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&run.ID, &reqJSON, &run.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reqJSON), &run.Request); err != nil {
		return nil, fmt.Errorf("decode request of run %s: %w", run.ID, err)
	}
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

// SaveRunError records a failure against a run
func (s *Store) SaveRunError(ctx context.Context, e model.RunError) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_errors (run_id, scope, target, message, retryable, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Scope, e.Target, e.Message, e.Retryable, toMillis(createdAt))
	return err
}

// ListRunErrors returns a run's errors in the order they were recorded
func (s *Store) ListRunErrors(ctx context.Context, runID string) ([]model.RunError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, scope, target, message, retryable, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.RunError{}
	for rows.Next() {
		var (
			e         model.RunError
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Scope, &e.Target, &e.Message, &e.Retryable, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
