package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bridge-exporter/internal/model"
)

// PutRecord inserts or replaces a record
func (s *Store) PutRecord(ctx context.Context, r *model.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO records (id, study_id, schema_id, schema_revision, health_code, data, metadata,
			created_on, created_on_time_zone, upload_date, sharing_scope, external_id, data_groups)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StudyID, r.SchemaID, r.SchemaRevision, r.HealthCode, string(r.Data), string(r.Metadata),
		r.CreatedOn, r.CreatedOnTimeZone, r.UploadDate, string(r.SharingScope), r.ExternalID,
		strings.Join(r.DataGroups, ","))
	return err
}

// GetRecord returns the record, or model.ErrRecordNotFound
func (s *Store) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	var (
		r          model.Record
		data, meta string
		scope      string
		groups     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, study_id, schema_id, schema_revision, health_code, data, metadata,
			created_on, created_on_time_zone, upload_date, sharing_scope, external_id, data_groups
		FROM records WHERE id = ?`, id).
		Scan(&r.ID, &r.StudyID, &r.SchemaID, &r.SchemaRevision, &r.HealthCode, &data, &meta,
			&r.CreatedOn, &r.CreatedOnTimeZone, &r.UploadDate, &scope, &r.ExternalID, &groups)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if data != "" {
		r.Data = []byte(data)
	}
	if meta != "" {
		r.Metadata = []byte(meta)
	}
	r.SharingScope = model.SharingScope(scope)
	if groups != "" {
		r.DataGroups = strings.Split(groups, ",")
	}
	return &r, nil
}

// QueryRecordIDsByUploadDate lists the ids of records uploaded on a date
func (s *Store) QueryRecordIDsByUploadDate(ctx context.Context, uploadDate string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE upload_date = ? ORDER BY id`, uploadDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
