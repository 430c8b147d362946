package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

// Handler processes one subtask
type Handler interface {
	HandleSubtask(ctx context.Context, subtask *ExportSubtask) error
}

// TableHandler owns one destination table for a task. The set of
// implementations is closed to this package.
type TableHandler interface {
	Handler
	TableName() string
	// UploadToSynapseForTask commits the task's rows for this table
	UploadToSynapseForTask(ctx context.Context, task *ExportTask) error
	tableKey() tableKey
}

// handlerEnv is what handlers need from the outside world
type handlerEnv struct {
	client      synapse.Client
	index       TableIndex
	blobs       BlobStore
	attachments AttachmentReserver
	principalID int64
	legacy      legacyAttachmentFields
	logger      *slog.Logger
}

const (
	columnRecordID          = "recordId"
	columnHealthCode        = "healthCode"
	columnExternalID        = "externalId"
	columnUploadDate        = "uploadDate"
	columnCreatedOn         = "createdOn"
	columnCreatedOnTimeZone = "createdOnTimeZone"
	columnAppVersion        = "appVersion"
	columnPhoneInfo         = "phoneInfo"
	columnDataGroups        = "dataGroups"
	columnSharingScope      = "userSharingScope"
	columnOriginalTable     = "originalTable"
	columnLastExportDate    = "lastExportDate"
)

const (
	maxExternalIDLength = 128
	maxAppVersionLength = 48
	maxDataGroupsLength = 100
)

func stringColumn(name string, size int) synapse.ColumnModel {
	return synapse.ColumnModel{Name: name, ColumnType: synapse.ColumnTypeString, MaxSize: size}
}

// commonColumns lead every health-data and default table
func commonColumns() []synapse.ColumnModel {
	return []synapse.ColumnModel{
		stringColumn(columnRecordID, 36),
		stringColumn(columnHealthCode, 36),
		stringColumn(columnExternalID, maxExternalIDLength),
		stringColumn(columnUploadDate, 10),
		{Name: columnCreatedOn, ColumnType: synapse.ColumnTypeDate},
		stringColumn(columnCreatedOnTimeZone, 5),
		stringColumn(columnAppVersion, maxAppVersionLength),
		stringColumn(columnPhoneInfo, maxAppVersionLength),
		stringColumn(columnDataGroups, maxDataGroupsLength),
		stringColumn(columnSharingScope, 48),
	}
}

func columnNames(cols []synapse.ColumnModel) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// commonRow fills the common columns from the record and its metadata
func commonRow(record *model.Record) (map[string]string, error) {
	meta, err := record.MetadataMap()
	if err != nil {
		return nil, badRecordf("record %s metadata: %v", record.ID, err)
	}
	groups := append([]string(nil), record.DataGroups...)
	sort.Strings(groups)

	row := map[string]string{
		columnRecordID:          record.ID,
		columnHealthCode:        record.HealthCode,
		columnExternalID:        externalID(record),
		columnUploadDate:        record.UploadDate,
		columnCreatedOnTimeZone: record.CreatedOnTimeZone,
		columnAppVersion:        sanitizeString(metaString(meta, "appVersion"), maxAppVersionLength),
		columnPhoneInfo:         sanitizeString(metaString(meta, "phoneInfo"), maxAppVersionLength),
		columnDataGroups:        sanitizeString(strings.Join(groups, ","), maxDataGroupsLength),
		columnSharingScope:      string(record.SharingScope),
	}
	if record.CreatedOn != 0 {
		row[columnCreatedOn] = strconv.FormatInt(record.CreatedOn, 10)
	}
	return row, nil
}

// externalID drops tabs rather than replacing them, then truncates
func externalID(record *model.Record) string {
	return sanitizeString(strings.ReplaceAll(record.ExternalID, "\t", ""), maxExternalIDLength)
}

func metaString(meta map[string]any, name string) string {
	s, _ := meta[name].(string)
	return s
}

// sanitizeString strips characters that break a TSV line and truncates to
// maxLength runes. maxLength <= 0 means no limit.
func sanitizeString(s string, maxLength int) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
	if maxLength > 0 {
		if runes := []rune(s); len(runes) > maxLength {
			s = string(runes[:maxLength])
		}
	}
	return s
}
