package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bridge-exporter/internal/model"
)

// GetTableID looks up the destination table id of (kind, key)
func (s *Store) GetTableID(ctx context.Context, kind, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT table_id FROM synapse_tables WHERE kind = ? AND table_key = ?`, kind, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// PutTableID records the destination table id of (kind, key)
func (s *Store) PutTableID(ctx context.Context, kind, key, tableID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO synapse_tables (kind, table_key, table_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, table_key) DO UPDATE SET table_id = excluded.table_id`,
		kind, key, tableID, toMillis(s.now()))
	return err
}

// PutStudy inserts or replaces a study's settings
func (s *Store) PutStudy(ctx context.Context, info model.StudyInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO studies (study_id, synapse_project_id, data_access_team_id) VALUES (?, ?, ?)`,
		info.StudyID, info.SynapseProjectID, info.DataAccessTeamID)
	return err
}

// GetStudy returns a study's settings, or ErrStudyNotFound
func (s *Store) GetStudy(ctx context.Context, studyID string) (*model.StudyInfo, error) {
	info := model.StudyInfo{StudyID: studyID}
	err := s.db.QueryRowContext(ctx,
		`SELECT synapse_project_id, data_access_team_id FROM studies WHERE study_id = ?`, studyID).
		Scan(&info.SynapseProjectID, &info.DataAccessTeamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ReserveAttachment ties an attachment id to the record that produced it
func (s *Store) ReserveAttachment(ctx context.Context, attachmentID, recordID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, record_id, created_at) VALUES (?, ?, ?)`,
		attachmentID, recordID, toMillis(s.now()))
	return err
}

// AttachmentRecord returns the record an attachment was reserved for
func (s *Store) AttachmentRecord(ctx context.Context, attachmentID string) (string, error) {
	var recordID string
	err := s.db.QueryRowContext(ctx, `SELECT record_id FROM attachments WHERE id = ?`, attachmentID).Scan(&recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return recordID, err
}
