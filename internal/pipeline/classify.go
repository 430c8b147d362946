package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"bridge-exporter/internal/registry"
	"bridge-exporter/internal/synapse"
)

var (
	// ErrBadRecord means the record content cannot be exported as is
	ErrBadRecord = errors.New("bad record")
	// ErrRowCountMismatch means the destination processed a different number of rows than we wrote
	ErrRowCountMismatch = errors.New("uploaded row count mismatch")
	// ErrStudyNotConfigured means the study has no destination project
	ErrStudyNotConfigured = errors.New("study has no synapse project")
)

// TableError is a failure that poisons a whole destination table for the run
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// SchemaChangeError is a rejected destructive or incompatible column change
type SchemaChangeError struct {
	Table    string
	Deleted  []string
	Modified []string
}

func (e *SchemaChangeError) Error() string {
	var parts []string
	if len(e.Deleted) > 0 {
		parts = append(parts, "deleted columns "+strings.Join(e.Deleted, ","))
	}
	if len(e.Modified) > 0 {
		parts = append(parts, "incompatible columns "+strings.Join(e.Modified, ","))
	}
	return fmt.Sprintf("table %s: rejected schema change: %s", e.Table, strings.Join(parts, "; "))
}

// RestartError tells the caller to rerun the whole request later
type RestartError struct {
	Err error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("export must be restarted: %v", e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// IsRestart reports whether err asks for a whole-run restart
func IsRestart(err error) bool {
	var re *RestartError
	return errors.As(err, &re) || synapse.IsServiceUnavailable(err)
}

// ErrorClass is how a failure affects the run
type ErrorClass int

const (
	// ClassRetryable failures are redriven
	ClassRetryable ErrorClass = iota
	// ClassNonRetryable failures are bad data or rejected schema changes; still redriven
	ClassNonRetryable
	// ClassRestart failures abort the run
	ClassRestart
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRestart:
		return "restart"
	case ClassNonRetryable:
		return "non-retryable"
	default:
		return "retryable"
	}
}

// Classify maps an error onto its class. Restart wins over everything else.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassRetryable
	}
	if IsRestart(err) {
		return ClassRestart
	}
	var sce *SchemaChangeError
	switch {
	case errors.As(err, &sce),
		errors.Is(err, ErrBadRecord),
		errors.Is(err, ErrRowCountMismatch),
		errors.Is(err, ErrStudyNotConfigured),
		errors.Is(err, registry.ErrSchemaNotFound),
		errors.Is(err, synapse.ErrBadRequest):
		return ClassNonRetryable
	default:
		return ClassRetryable
	}
}

func badRecordf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRecord, fmt.Sprintf(format, args...))
}
