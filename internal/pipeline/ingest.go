package pipeline

import (
	"context"
	"fmt"

	"bridge-exporter/internal/model"
)

// recordIDs lists the ids selected by the request: the ids in the override
// blob, or every record uploaded on the covered dates
func (r *Runner) recordIDs(ctx context.Context, req *model.ExportRequest) ([]string, error) {
	if req.RecordIDBlobOverride != "" {
		raw, err := r.blobs.Get(ctx, req.RecordIDBlobOverride)
		if err != nil {
			return nil, fmt.Errorf("read record id override %s: %w", req.RecordIDBlobOverride, err)
		}
		ids := ParseRecordIDs(raw)
		r.logger.Info("loaded record id override", "blob", req.RecordIDBlobOverride, "records", len(ids))
		return ids, nil
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, date := range req.UploadDates() {
		dayIDs, err := r.records.QueryRecordIDsByUploadDate(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("query records uploaded on %s: %w", date, err)
		}
		for _, id := range dayIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		r.logger.Debug("queried upload date", "date", date, "records", len(dayIDs))
	}
	return ids, nil
}
