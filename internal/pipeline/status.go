package pipeline

import (
	"context"
	"fmt"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

// StatusTableWriter appends one row per study and run to <study>-status
type StatusTableWriter struct {
	env *handlerEnv
}

func statusColumns() []synapse.ColumnModel {
	return []synapse.ColumnModel{stringColumn(columnLastExportDate, 10)}
}

// WriteStatus records that the study was exported as of exportDate
func (w *StatusTableWriter) WriteStatus(ctx context.Context, study *model.StudyInfo, exportDate string) error {
	table := &synapseTable{
		env:     w.env,
		key:     studyTableKey(KindStatus, study.StudyID),
		study:   study,
		columns: statusColumns(),
	}
	tableID, err := table.ensureTable(ctx)
	if err != nil {
		return &TableError{Table: table.TableName(), Err: err}
	}
	if err := w.env.client.AppendRows(ctx, tableID, [][]string{{exportDate}}); err != nil {
		return &TableError{Table: table.TableName(), Err: fmt.Errorf("append status row: %w", err)}
	}
	return nil
}

// writeStatusRows writes a status row for every study seen in the task
func (m *ExportWorkerManager) writeStatusRows(ctx context.Context, task *ExportTask) error {
	for _, studyID := range task.ObservedStudies() {
		study, err := m.studyInfo(ctx, task, studyID)
		if err != nil {
			m.logger.Warn("no status row for study", "run_id", task.RunID, "study", studyID, "error", err)
			continue
		}
		err = m.status.WriteStatus(ctx, study, task.ExportDate)
		if err == nil {
			continue
		}
		if Classify(err) == ClassRestart {
			return asRestart(err)
		}
		m.logger.Error("failed to write status row", "run_id", task.RunID, "study", studyID, "error", err)
		m.saveRunError(ctx, task, "status", studyID, err)
	}
	return nil
}
