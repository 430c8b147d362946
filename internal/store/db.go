// Package store keeps the exporter's local state in sqlite: the source
// records and their upload-date index, the destination table side index,
// study settings, attachment reservations and export run tracking.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrStudyNotFound means the study has no settings row
	ErrStudyNotFound = errors.New("study not found")
	// ErrRunNotFound means no export run has the id
	ErrRunNotFound = errors.New("export run not found")
)

// Store is a sqlite-backed store. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		study_id TEXT NOT NULL,
		schema_id TEXT NOT NULL DEFAULT '',
		schema_revision INTEGER NOT NULL DEFAULT 0,
		health_code TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_on INTEGER NOT NULL DEFAULT 0,
		upload_date TEXT NOT NULL,
		sharing_scope TEXT NOT NULL DEFAULT 'NO_SHARING'
	);
	CREATE INDEX IF NOT EXISTS idx_records_upload_date ON records(upload_date);
	CREATE TABLE IF NOT EXISTS synapse_tables (
		kind TEXT NOT NULL,
		table_key TEXT NOT NULL,
		table_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (kind, table_key)
	);
	CREATE TABLE IF NOT EXISTS studies (
		study_id TEXT PRIMARY KEY,
		synapse_project_id TEXT NOT NULL DEFAULT '',
		data_access_team_id INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS export_runs (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		retryable INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_errors_run_id ON run_errors(run_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.ensureRecordColumns(ctx)
}

// ensureRecordColumns adds record columns introduced after the first schema
func (s *Store) ensureRecordColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(records)")
	if err != nil {
		return err
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	type columnDef struct {
		name string
		ddl  string
	}
	need := []columnDef{
		{name: "created_on_time_zone", ddl: "ALTER TABLE records ADD COLUMN created_on_time_zone TEXT NOT NULL DEFAULT ''"},
		{name: "external_id", ddl: "ALTER TABLE records ADD COLUMN external_id TEXT NOT NULL DEFAULT ''"},
		{name: "data_groups", ddl: "ALTER TABLE records ADD COLUMN data_groups TEXT NOT NULL DEFAULT ''"},
	}
	for _, col := range need {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add records.%s: %w", col.name, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
