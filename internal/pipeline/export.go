package pipeline

import (
	"context"
	"fmt"
)

// UploadToSynapseForTask commits the task's rows for this table. It does
// nothing when no row was ever routed here, and never calls the destination
// for an empty file.
func (h *tableHandler) UploadToSynapseForTask(ctx context.Context, task *ExportTask) error {
	tsv := task.tsv(h.key)
	if tsv == nil {
		return nil
	}
	if err := tsv.Err(); err != nil {
		return err
	}
	name := h.TableName()
	if err := tsv.FlushAndCloseWriter(); err != nil {
		return &TableError{Table: name, Err: err}
	}

	lines := tsv.LineCount()
	if lines == 0 {
		if err := tsv.Delete(); err != nil {
			h.env.logger.Warn("failed to delete empty tsv", "table", name, "path", tsv.Path(), "error", err)
		}
		return nil
	}

	processed, err := h.env.client.UploadTSVToTable(ctx, h.study.SynapseProjectID, h.tableID, tsv.Path())
	if err != nil {
		return &TableError{Table: name, Err: fmt.Errorf("upload tsv: %w", err)}
	}
	if processed != int64(lines) {
		return &TableError{Table: name, Err: fmt.Errorf("%w: wrote %d rows, destination processed %d", ErrRowCountMismatch, lines, processed)}
	}
	if err := tsv.Delete(); err != nil {
		h.env.logger.Warn("failed to delete committed tsv", "table", name, "path", tsv.Path(), "error", err)
	}
	h.env.logger.Info("committed table", "run_id", task.RunID, "table", name, "table_id", h.tableID, "rows", lines)
	return nil
}

// commitTables commits every table touched by the task. A restart-class
// failure stops at once; other failures mark the table for redrive.
func (m *ExportWorkerManager) commitTables(ctx context.Context, task *ExportTask, outcome *runOutcome) error {
	recordRedrive := task.Request.RecordIDBlobOverride != ""
	for _, h := range task.handlers.values() {
		err := h.UploadToSynapseForTask(ctx, task)
		task.Metrics.incCommit(err == nil)
		if err == nil {
			continue
		}
		if Classify(err) == ClassRestart {
			m.logger.Error("table commit hit a restart condition", "run_id", task.RunID,
				"table", h.TableName(), "error", err)
			return asRestart(err)
		}
		m.logger.Error("table commit failed", "run_id", task.RunID, "table", h.TableName(),
			"class", Classify(err).String(), "error", err)
		m.saveRunError(ctx, task, "table", h.TableName(), err)

		key := h.tableKey()
		if key.kind != KindHealthData {
			continue
		}
		if recordRedrive {
			if tsv := task.tsv(key); tsv != nil {
				for _, id := range tsv.RecordIDs() {
					outcome.failedRecords[id] = struct{}{}
				}
			}
			continue
		}
		outcome.failedTables[key.schema] = struct{}{}
	}
	return nil
}
