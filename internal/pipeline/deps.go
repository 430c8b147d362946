package pipeline

import (
	"context"
	"time"

	"bridge-exporter/internal/model"
)

// SchemaRegistry resolves a schema key to its field list
type SchemaRegistry interface {
	GetSchema(ctx context.Context, key model.SchemaKey) (*model.Schema, error)
}

// StudyLookup returns the destination settings of a study
type StudyLookup interface {
	GetStudy(ctx context.Context, studyID string) (*model.StudyInfo, error)
}

// TableIndex maps (kind, key) to an existing destination table id
type TableIndex interface {
	GetTableID(ctx context.Context, kind, key string) (tableID string, found bool, err error)
	PutTableID(ctx context.Context, kind, key, tableID string) error
}

// BlobStore reads and writes opaque blobs by key
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// AttachmentReserver records that an attachment blob belongs to a record
type AttachmentReserver interface {
	ReserveAttachment(ctx context.Context, attachmentID, recordID string) error
}

// RequestPublisher publishes a follow-up export request after a delay
type RequestPublisher interface {
	Publish(ctx context.Context, req model.ExportRequest, delay time.Duration) error
}

// RecordReader is the source record store
type RecordReader interface {
	QueryRecordIDsByUploadDate(ctx context.Context, uploadDate string) ([]string, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
}

// RunTracker persists export run state
type RunTracker interface {
	CreateRun(ctx context.Context, run model.ExportRun) error
	UpdateRunStatus(ctx context.Context, runID, status string) error
	SaveRunError(ctx context.Context, runErr model.RunError) error
}
