package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
	"bridge-exporter/pkg/utils"
)

const (
	timezoneSuffix      = ".timezone"
	otherChoiceSuffix   = ".other"
	defaultTimezone     = "+0000"
	calendarDateSize    = 10
	timeV2Size          = 12
	durationV2Size      = 24
	multiChoiceOtherLen = 100
)

// legacyFieldKey names a field that predates string size limits
type legacyFieldKey struct {
	study  string
	schema string
	field  string
}

// legacyAttachmentFields are exported as file handles whatever their declared type
type legacyAttachmentFields map[legacyFieldKey]struct{}

// ParseLegacyAttachmentFields parses "study/schema/field" entries
func ParseLegacyAttachmentFields(entries []string) (legacyAttachmentFields, error) {
	out := make(legacyAttachmentFields, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "/", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid legacy attachment field %q, want study/schema/field", e)
		}
		out[legacyFieldKey{study: parts[0], schema: parts[1], field: parts[2]}] = struct{}{}
	}
	return out, nil
}

func (l legacyAttachmentFields) contains(key model.SchemaKey, field string) bool {
	_, ok := l[legacyFieldKey{study: key.StudyID, schema: key.SchemaID, field: field}]
	return ok
}

// fieldColumns returns the destination columns of one schema field, in order
func fieldColumns(def model.FieldDefinition, legacy bool, logger *slog.Logger) []synapse.ColumnModel {
	if legacy {
		return []synapse.ColumnModel{{Name: def.Name, ColumnType: synapse.ColumnTypeFileHandleID}}
	}
	switch def.Type {
	case model.FieldTypeMultiChoice:
		cols := make([]synapse.ColumnModel, 0, len(def.MultiChoiceAnswerList)+1)
		for _, choice := range def.MultiChoiceAnswerList {
			cols = append(cols, synapse.ColumnModel{Name: def.Name + "." + choice, ColumnType: synapse.ColumnTypeBoolean})
		}
		if def.AllowOtherChoices {
			cols = append(cols, stringColumn(def.Name+otherChoiceSuffix, multiChoiceOtherLen))
		}
		return cols
	case model.FieldTypeTimestamp:
		return []synapse.ColumnModel{
			{Name: def.Name, ColumnType: synapse.ColumnTypeDate},
			stringColumn(def.Name+timezoneSuffix, len(defaultTimezone)),
		}
	}

	col := synapse.ColumnModel{Name: def.Name}
	switch {
	case def.Type.IsAttachment():
		col.ColumnType = synapse.ColumnTypeFileHandleID
	case def.Type == model.FieldTypeBoolean:
		col.ColumnType = synapse.ColumnTypeBoolean
	case def.Type == model.FieldTypeInt:
		col.ColumnType = synapse.ColumnTypeInteger
	case def.Type == model.FieldTypeFloat:
		col.ColumnType = synapse.ColumnTypeDouble
	case def.Type == model.FieldTypeCalendarDate:
		col = stringColumn(def.Name, calendarDateSize)
	case def.Type == model.FieldTypeTimeV2:
		col = stringColumn(def.Name, timeV2Size)
	case def.Type == model.FieldTypeDurationV2:
		col = stringColumn(def.Name, durationV2Size)
	case def.Type == model.FieldTypeInlineJSONBlob, def.Type == model.FieldTypeLargeTextAttachment:
		col.ColumnType = synapse.ColumnTypeLargeText
	case def.Type == model.FieldTypeString, def.Type == model.FieldTypeSingleChoice:
		switch {
		case def.UnboundedText || def.MaxLength > synapse.MaxStringColumnSize:
			col.ColumnType = synapse.ColumnTypeLargeText
		case def.MaxLength > 0:
			col = stringColumn(def.Name, def.MaxLength)
		default:
			col = stringColumn(def.Name, synapse.DefaultStringColumnSize)
		}
	default:
		logger.Warn("unmapped field type, defaulting to string", "field", def.Name, "type", def.Type)
		col = stringColumn(def.Name, synapse.DefaultStringColumnSize)
	}
	return []synapse.ColumnModel{col}
}

// cellWriter turns field values into cells for one health-data table
type cellWriter struct {
	env     *handlerEnv
	key     model.SchemaKey
	study   *model.StudyInfo
	columns map[string]synapse.ColumnModel
}

// writeField adds the cells of one field to row. Values that do not fit the
// field type are logged and skipped; only storage failures are errors.
func (w *cellWriter) writeField(ctx context.Context, s *ExportSubtask, def model.FieldDefinition, value any, row map[string]string) error {
	if w.env.legacy.contains(w.key, def.Name) {
		return w.writeLegacyAttachment(ctx, s, def, value, row)
	}
	switch {
	case def.Type.IsAttachment():
		id, ok := value.(string)
		if !ok || id == "" {
			w.skip(s, def, value)
			return nil
		}
		content, err := w.env.blobs.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("download attachment %s: %w", id, err)
		}
		fileHandleID, err := w.env.client.UploadFileHandle(ctx, w.study.SynapseProjectID, id, content)
		if err != nil {
			return fmt.Errorf("upload attachment %s: %w", id, err)
		}
		row[def.Name] = fileHandleID
	case def.Type == model.FieldTypeLargeTextAttachment:
		id, ok := value.(string)
		if !ok || id == "" {
			w.skip(s, def, value)
			return nil
		}
		content, err := w.env.blobs.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("download large text %s: %w", id, err)
		}
		row[def.Name] = sanitizeString(string(content), 0)
	case def.Type == model.FieldTypeMultiChoice:
		w.writeMultiChoice(s, def, value, row)
	case def.Type == model.FieldTypeTimestamp:
		millis, tz, ok := parseTimestamp(value)
		if !ok {
			w.skip(s, def, value)
			return nil
		}
		row[def.Name] = strconv.FormatInt(millis, 10)
		row[def.Name+timezoneSuffix] = tz
	default:
		cell, ok := w.scalarCell(def, value)
		if !ok {
			w.skip(s, def, value)
			return nil
		}
		row[def.Name] = cell
	}
	return nil
}

func (w *cellWriter) scalarCell(def model.FieldDefinition, value any) (string, bool) {
	switch def.Type {
	case model.FieldTypeBoolean:
		switch v := value.(type) {
		case bool:
			return strconv.FormatBool(v), true
		case string:
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
			if err != nil {
				return "", false
			}
			return strconv.FormatBool(b), true
		}
		return "", false
	case model.FieldTypeInt:
		i, ok := utils.ToInt64(value)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(i, 10), true
	case model.FieldTypeFloat:
		f, ok := utils.ToFloat64(value)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	case model.FieldTypeInlineJSONBlob:
		b, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		return sanitizeString(string(b), 0), true
	}

	var text string
	switch v := value.(type) {
	case string:
		text = v
	case json.Number, bool:
		text = fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		text = string(b)
	}
	maxLen := 0
	if col, ok := w.columns[def.Name]; ok && col.ColumnType == synapse.ColumnTypeString {
		maxLen = col.MaxSize
	}
	return sanitizeString(text, maxLen), true
}

func (w *cellWriter) writeMultiChoice(s *ExportSubtask, def model.FieldDefinition, value any, row map[string]string) {
	answers, ok := value.([]any)
	if !ok {
		w.skip(s, def, value)
		return
	}
	selected := make(map[string]bool, len(answers))
	for _, a := range answers {
		selected[fmt.Sprint(a)] = true
	}
	for _, choice := range def.MultiChoiceAnswerList {
		row[def.Name+"."+choice] = strconv.FormatBool(selected[choice])
		delete(selected, choice)
	}
	if len(selected) == 0 {
		return
	}
	if !def.AllowOtherChoices {
		w.env.logger.Warn("multi choice answer not in answer list",
			"record_id", s.record.ID, "field", def.Name, "table", w.key.String())
		return
	}
	// Answers outside the list keep their submitted order
	var others []string
	for _, a := range answers {
		if text := fmt.Sprint(a); selected[text] {
			others = append(others, text)
		}
	}
	row[def.Name+otherChoiceSuffix] = sanitizeString(strings.Join(others, ", "), multiChoiceOtherLen)
}

// writeLegacyAttachment moves a legacy text value into the blob store and
// exports it as a file handle
func (w *cellWriter) writeLegacyAttachment(ctx context.Context, s *ExportSubtask, def model.FieldDefinition, value any, row map[string]string) error {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			w.skip(s, def, value)
			return nil
		}
		text = string(b)
	}
	attachmentID := uuid.NewString()
	if err := w.env.blobs.Put(ctx, attachmentID, []byte(text)); err != nil {
		return fmt.Errorf("store legacy attachment for %s: %w", def.Name, err)
	}
	if err := w.env.attachments.ReserveAttachment(ctx, attachmentID, s.record.ID); err != nil {
		return fmt.Errorf("reserve legacy attachment for %s: %w", def.Name, err)
	}
	fileHandleID, err := w.env.client.UploadFileHandle(ctx, w.study.SynapseProjectID, attachmentID, []byte(text))
	if err != nil {
		return fmt.Errorf("upload legacy attachment for %s: %w", def.Name, err)
	}
	row[def.Name] = fileHandleID
	return nil
}

func (w *cellWriter) skip(s *ExportSubtask, def model.FieldDefinition, value any) {
	w.env.logger.Warn("skipping field value that does not match its type",
		"record_id", s.record.ID, "table", w.key.String(), "field", def.Name,
		"type", def.Type, "value_type", fmt.Sprintf("%T", value))
}

// isoLayouts are tried in order; Z07:00 and Z0700 also accept a literal Z
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
}

func parseISOTime(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTimestamp accepts epoch milliseconds or an ISO-8601 date-time and
// returns epoch millis plus a +hhmm offset
func parseTimestamp(value any) (int64, string, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
			return millis, defaultTimezone, true
		}
		t, ok := parseISOTime(s)
		if !ok {
			return 0, "", false
		}
		return t.UnixMilli(), t.Format("-0700"), true
	case bool, nil:
		return 0, "", false
	default:
		millis, ok := utils.ToInt64(v)
		if !ok {
			return 0, "", false
		}
		return millis, defaultTimezone, true
	}
}
