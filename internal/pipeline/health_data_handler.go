package pipeline

import (
	"context"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

// HealthDataHandler writes one row per record into the table of its schema
type HealthDataHandler struct {
	tableHandler
	schema *model.Schema
	cells  *cellWriter
}

func newHealthDataHandler(env *handlerEnv, study *model.StudyInfo, schema *model.Schema) *HealthDataHandler {
	columns := commonColumns()
	taken := make(map[string]bool, len(columns))
	for _, c := range columns {
		taken[c.Name] = true
	}
	for _, def := range schema.FieldDefinitions {
		for _, col := range fieldColumns(def, env.legacy.contains(schema.Key, def.Name), env.logger) {
			if taken[col.Name] {
				env.logger.Warn("field column collides with an existing column, skipping",
					"table", schema.Key.String(), "column", col.Name)
				continue
			}
			taken[col.Name] = true
			columns = append(columns, col)
		}
	}

	byName := make(map[string]synapse.ColumnModel, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}
	h := &HealthDataHandler{
		schema: schema,
		cells:  &cellWriter{env: env, key: schema.Key, study: study, columns: byName},
	}
	h.synapseTable = newSynapseTable(env, healthDataKey(schema.Key), study, columns)
	return h
}

// HandleSubtask writes the subtask's row
func (h *HealthDataHandler) HandleSubtask(ctx context.Context, s *ExportSubtask) error {
	return h.handle(ctx, s, h.buildRow)
}

func (h *HealthDataHandler) buildRow(ctx context.Context, s *ExportSubtask) (map[string]string, error) {
	row, err := commonRow(s.record)
	if err != nil {
		return nil, err
	}
	for _, def := range h.schema.FieldDefinitions {
		value, ok := s.data[def.Name]
		if !ok || value == nil {
			continue
		}
		if err := h.cells.writeField(ctx, s, def, value, row); err != nil {
			return nil, err
		}
	}
	return row, nil
}
