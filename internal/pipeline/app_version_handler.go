package pipeline

import (
	"context"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

// AppVersionHandler writes one row per record of a study, whatever its schema
type AppVersionHandler struct {
	tableHandler
}

func appVersionColumns() []synapse.ColumnModel {
	return []synapse.ColumnModel{
		stringColumn(columnRecordID, 36),
		stringColumn(columnHealthCode, 36),
		stringColumn(columnExternalID, maxExternalIDLength),
		stringColumn(columnUploadDate, 10),
		stringColumn(columnOriginalTable, 128),
		stringColumn(columnAppVersion, maxAppVersionLength),
		stringColumn(columnPhoneInfo, maxAppVersionLength),
	}
}

func newAppVersionHandler(env *handlerEnv, study *model.StudyInfo) *AppVersionHandler {
	h := &AppVersionHandler{}
	h.synapseTable = newSynapseTable(env, studyTableKey(KindAppVersion, study.StudyID), study, appVersionColumns())
	return h
}

func (h *AppVersionHandler) HandleSubtask(ctx context.Context, s *ExportSubtask) error {
	return h.handle(ctx, s, h.buildRow)
}

func (h *AppVersionHandler) buildRow(_ context.Context, s *ExportSubtask) (map[string]string, error) {
	record := s.record
	meta, err := record.MetadataMap()
	if err != nil {
		return nil, badRecordf("record %s metadata: %v", record.ID, err)
	}
	originalTable := studyTableKey(KindDefault, record.StudyID).TableName()
	if record.HasSchema() {
		originalTable = record.SchemaKey().String()
	}
	appVersion := sanitizeString(metaString(meta, "appVersion"), maxAppVersionLength)
	s.task.Metrics.addAppVersion(record.StudyID, appVersion)

	return map[string]string{
		columnRecordID:      record.ID,
		columnHealthCode:    record.HealthCode,
		columnExternalID:    externalID(record),
		columnUploadDate:    record.UploadDate,
		columnOriginalTable: originalTable,
		columnAppVersion:    appVersion,
		columnPhoneInfo:     sanitizeString(metaString(meta, "phoneInfo"), maxAppVersionLength),
	}, nil
}
