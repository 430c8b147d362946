package pipeline

import (
	"context"
	"fmt"
	"strings"

	"bridge-exporter/internal/model"
)

// RedriveBlobPrefix prefixes the blob listing a run's failed record ids
const RedriveBlobPrefix = "redrive-record-ids."

const redriveTimestampLayout = "2006-01-02T15:04:05.000Z"

// redrive publishes follow-up requests for failed records and tables. The
// record request lists exactly the failed ids; the table request reruns the
// original selection limited to the failed tables.
func (m *ExportWorkerManager) redrive(ctx context.Context, task *ExportTask, outcome *runOutcome, summary *model.RunSummary) error {
	if len(outcome.failedRecords) == 0 && len(outcome.failedTables) == 0 {
		return nil
	}
	req := task.Request
	if req.RedriveCount >= m.cfg.MaxRedriveCount {
		m.logger.Error("redrive limit reached, not redriving",
			"run_id", task.RunID, "redrive_count", req.RedriveCount,
			"failed_records", len(outcome.failedRecords), "failed_tables", len(outcome.failedTables))
		return nil
	}

	if len(outcome.failedRecords) > 0 {
		key := RedriveBlobPrefix + m.deps.Now().UTC().Format(redriveTimestampLayout)
		if err := m.deps.Blobs.Put(ctx, key, []byte(strings.Join(summary.FailedRecordIDs, "\n"))); err != nil {
			return fmt.Errorf("write redrive record ids: %w", err)
		}
		summary.RedriveRecordsBlob = key
		outcome.redriveBlob = key
		redriveReq := model.ExportRequest{
			RecordIDBlobOverride: key,
			StudyWhitelist:       req.StudyWhitelist,
			RedriveCount:         req.RedriveCount + 1,
			Tag:                  model.TagRedriveRecords,
		}
		if err := m.publish(ctx, redriveReq); err != nil {
			return err
		}
	}

	if len(outcome.failedTables) > 0 {
		tables := make([]model.SchemaKey, 0, len(outcome.failedTables))
		for k := range outcome.failedTables {
			tables = append(tables, k)
		}
		sortSchemaKeys(tables)
		redriveReq := model.ExportRequest{
			Date:           req.Date,
			StartDateTime:  req.StartDateTime,
			EndDateTime:    req.EndDateTime,
			StudyWhitelist: req.StudyWhitelist,
			TableWhitelist: tables,
			RedriveCount:   req.RedriveCount + 1,
			Tag:            model.TagRedriveTables,
		}
		if redriveReq.Date == "" && redriveReq.StartDateTime == nil {
			redriveReq.Date = task.ExportDate
		}
		if err := m.publish(ctx, redriveReq); err != nil {
			return err
		}
	}
	return nil
}

func (m *ExportWorkerManager) publish(ctx context.Context, req model.ExportRequest) error {
	if err := m.deps.Publisher.Publish(ctx, req, m.cfg.RedriveDelay); err != nil {
		return fmt.Errorf("publish %q request: %w", req.Tag, err)
	}
	redriveRequestsTotal.WithLabelValues(req.Tag).Inc()
	m.logger.Info("published redrive request", "tag", req.Tag, "delay", m.cfg.RedriveDelay,
		"record_blob", req.RecordIDBlobOverride, "tables", len(req.TableWhitelist))
	return nil
}

// Republish sends req back to the queue after the redrive delay, used when
// a run asked to be restarted
func (m *ExportWorkerManager) Republish(ctx context.Context, req model.ExportRequest) error {
	return m.deps.Publisher.Publish(ctx, req, m.cfg.RedriveDelay)
}

// ParseRecordIDs reads a newline separated id list, dropping blanks and
// duplicates and keeping first-seen order
func ParseRecordIDs(raw []byte) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, line := range strings.Split(string(raw), "\n") {
		id := strings.TrimSpace(line)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
