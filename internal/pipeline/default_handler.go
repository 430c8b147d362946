package pipeline

import (
	"context"

	"bridge-exporter/internal/model"
)

// DefaultHandler captures records that carry no schema, common columns only
type DefaultHandler struct {
	tableHandler
}

func newDefaultHandler(env *handlerEnv, study *model.StudyInfo) *DefaultHandler {
	h := &DefaultHandler{}
	h.synapseTable = newSynapseTable(env, studyTableKey(KindDefault, study.StudyID), study, commonColumns())
	return h
}

func (h *DefaultHandler) HandleSubtask(ctx context.Context, s *ExportSubtask) error {
	return h.handle(ctx, s, func(_ context.Context, s *ExportSubtask) (map[string]string, error) {
		return commonRow(s.record)
	})
}
