package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bridge-exporter/internal/model"
)

// runOutcome collects what must be redriven after a task
type runOutcome struct {
	failedRecords map[string]struct{}
	failedTables  map[model.SchemaKey]struct{}
	redriveBlob   string

	// failedIn lists, per failed record, the health-data table of each
	// failure, or nil when the failure was elsewhere
	failedIn map[string][]*model.SchemaKey
}

func newRunOutcome() *runOutcome {
	return &runOutcome{
		failedRecords: make(map[string]struct{}),
		failedTables:  make(map[model.SchemaKey]struct{}),
		failedIn:      make(map[string][]*model.SchemaKey),
	}
}

// dropCoveredRecords removes records whose every failure was in a table
// that is redriven whole, so the table redrive does not write them twice
func (o *runOutcome) dropCoveredRecords() {
	if len(o.failedTables) == 0 {
		return
	}
	for id := range o.failedRecords {
		covered := true
		for _, key := range o.failedIn[id] {
			if key == nil {
				covered = false
				break
			}
			if _, ok := o.failedTables[*key]; !ok {
				covered = false
				break
			}
		}
		if covered {
			delete(o.failedRecords, id)
		}
	}
}

// drain walks the futures in submission order. Records whose only problem
// is a broken table are left to the table redrive, unless the request is
// itself a record redrive, which cannot carry a table whitelist.
func (m *ExportWorkerManager) drain(ctx context.Context, task *ExportTask) *runOutcome {
	outcome := newRunOutcome()
	recordRedrive := task.Request.RecordIDBlobOverride != ""
	for _, f := range task.pendingFutures() {
		if f.err == nil {
			continue
		}
		class := Classify(f.err)
		attrs := []any{"run_id", task.RunID, "record_id", f.recordID, "table", f.table,
			"class", class.String(), "error", f.err}
		if class == ClassRetryable {
			m.logger.Error("unexpected error exporting record", append(attrs, "error_type", errorType(f.err))...)
		} else {
			m.logger.Warn("record failed", attrs...)
		}
		m.saveRunError(ctx, task, "record", f.recordID, f.err)

		var te *TableError
		if errors.As(f.err, &te) && !recordRedrive {
			continue
		}
		outcome.failedRecords[f.recordID] = struct{}{}
		outcome.failedIn[f.recordID] = append(outcome.failedIn[f.recordID], f.dest)
	}
	return outcome
}

func (o *runOutcome) summary(task *ExportTask) *model.RunSummary {
	s := &model.RunSummary{
		RunID:              task.RunID,
		ExportDate:         task.ExportDate,
		RecordsSubmitted:   task.Metrics.RecordsSubmitted(),
		Studies:            task.ObservedStudies(),
		RedriveRecordsBlob: o.redriveBlob,
	}
	for id := range o.failedRecords {
		s.FailedRecordIDs = append(s.FailedRecordIDs, id)
	}
	sort.Strings(s.FailedRecordIDs)
	for key := range o.failedTables {
		s.FailedTables = append(s.FailedTables, key)
	}
	sortSchemaKeys(s.FailedTables)
	return s
}

func sortSchemaKeys(keys []model.SchemaKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

func (m *ExportWorkerManager) saveRunError(ctx context.Context, task *ExportTask, scope, target string, err error) {
	if m.deps.Runs == nil {
		return
	}
	runErr := model.RunError{
		RunID:     task.RunID,
		Scope:     scope,
		Target:    target,
		Message:   err.Error(),
		Retryable: Classify(err) != ClassNonRetryable,
		CreatedAt: m.deps.Now(),
	}
	if saveErr := m.deps.Runs.SaveRunError(ctx, runErr); saveErr != nil {
		m.logger.Warn("failed to save run error", "run_id", task.RunID, "error", saveErr)
	}
}

// errorType names the innermost error's type for logs
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
