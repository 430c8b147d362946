package model

import "time"

// Export run statuses
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusRestart   = "restart"
)

// ExportRun is the tracking row of one export run
type ExportRun struct {
	ID        string        `json:"id"`
	Request   ExportRequest `json:"request"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// RunError is one failure recorded against an export run
type RunError struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId"`
	Scope     string    `json:"scope"` // record, table, status, run
	Target    string    `json:"target,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunSummary is what a finished run reports back to its caller
type RunSummary struct {
	RunID              string      `json:"runId"`
	ExportDate         string      `json:"exportDate"`
	RecordsSubmitted   int64       `json:"recordsSubmitted"`
	Studies            []string    `json:"studies"`
	FailedRecordIDs    []string    `json:"failedRecordIds,omitempty"`
	FailedTables       []SchemaKey `json:"failedTables,omitempty"`
	RedriveRecordsBlob string      `json:"redriveRecordsBlob,omitempty"`
}

// StudyInfo holds the destination settings of a study
type StudyInfo struct {
	StudyID          string `json:"studyId"`
	SynapseProjectID string `json:"synapseProjectId"`
	DataAccessTeamID int64  `json:"synapseDataAccessTeamId"`
}
