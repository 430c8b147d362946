package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"bridge-exporter/internal/model"
)

// Raw survey records carry this schema and are reshaped before export
const (
	surveySchemaID       = "ios-survey"
	surveySchemaRevision = 1
	reshapedRevision     = 1
)

func isRawSurvey(key model.SchemaKey) bool {
	return key.SchemaID == surveySchemaID && key.Revision == surveySchemaRevision
}

// surveyAnswerFields maps questionTypeName to the answer field holding the value
var surveyAnswerFields = map[string]string{
	"Boolean":        "booleanAnswer",
	"Date":           "dateAnswer",
	"Decimal":        "numericAnswer",
	"Integer":        "numericAnswer",
	"MultipleChoice": "choiceAnswers",
	"SingleChoice":   "choiceAnswers",
	"None":           "scaleAnswer",
	"Scale":          "scaleAnswer",
	"Text":           "textAnswer",
	"TimeInterval":   "intervalAnswer",
	"TimeOfDay":      "dateComponentsAnswer",
}

// reshaper routes a converted payload back into the health-data path
type reshaper interface {
	submitReshaped(ctx context.Context, parent *ExportSubtask, data map[string]any, key model.SchemaKey) error
}

// SurveyHandler converts raw survey records into health-data subtasks.
// It owns no table.
type SurveyHandler struct {
	blobs    BlobStore
	reshaper reshaper
	logger   *slog.Logger
}

func newSurveyHandler(blobs BlobStore, r reshaper, logger *slog.Logger) *SurveyHandler {
	return &SurveyHandler{blobs: blobs, reshaper: r, logger: logger}
}

// HandleSubtask folds the answers blob into one object keyed by item name
// and submits it against the survey's own schema
func (h *SurveyHandler) HandleSubtask(ctx context.Context, s *ExportSubtask) error {
	record := s.record
	item, _ := s.data["item"].(string)
	if item == "" {
		return badRecordf("survey record %s has no item", record.ID)
	}
	answersID, _ := s.data["answers"].(string)
	if answersID == "" {
		return badRecordf("survey record %s has no answers attachment", record.ID)
	}
	raw, err := h.blobs.Get(ctx, answersID)
	if err != nil {
		return err
	}
	var answers []map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&answers); err != nil {
		return badRecordf("survey record %s answers: %v", record.ID, err)
	}

	converted := make(map[string]any, len(answers))
	for _, answer := range answers {
		name, _ := answer["item"].(string)
		if name == "" {
			h.logger.Warn("survey answer has no item, skipping", "record_id", record.ID)
			continue
		}
		qType, _ := answer["questionTypeName"].(string)
		field, ok := surveyAnswerFields[qType]
		if !ok {
			h.logger.Warn("unknown survey question type, skipping",
				"record_id", record.ID, "item", name, "question_type", qType)
			continue
		}
		value, ok := answer[field]
		if !ok {
			continue
		}
		converted[name] = value
		if unit, ok := answer["unit"]; ok && unit != nil {
			converted[name+"_unit"] = unit
		}
	}

	key := model.SchemaKey{StudyID: record.StudyID, SchemaID: item, Revision: reshapedRevision}
	return h.reshaper.submitReshaped(ctx, s, converted, key)
}
