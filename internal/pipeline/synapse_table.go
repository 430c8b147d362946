package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

// synapseTable owns creation and additive migration of one destination table
type synapseTable struct {
	env     *handlerEnv
	key     tableKey
	study   *model.StudyInfo
	columns []synapse.ColumnModel

	initMu  sync.Mutex
	tableID string
}

func newSynapseTable(env *handlerEnv, key tableKey, study *model.StudyInfo, columns []synapse.ColumnModel) synapseTable {
	return synapseTable{env: env, key: key, study: study, columns: columns}
}

func (t *synapseTable) TableName() string { return t.key.TableName() }

func (t *synapseTable) tableKey() tableKey { return t.key }

// ensureTable resolves the table id, creating or migrating the table on
// first use. Callers hold initMu.
func (t *synapseTable) ensureTable(ctx context.Context) (string, error) {
	if t.tableID != "" {
		return t.tableID, nil
	}
	kind, indexKey := string(t.key.kind), t.key.indexKey()
	id, found, err := t.env.index.GetTableID(ctx, kind, indexKey)
	if err != nil {
		return "", fmt.Errorf("look up table id: %w", err)
	}
	if !found {
		id, err = t.createTable(ctx)
		if err != nil {
			return "", err
		}
		if err := t.env.index.PutTableID(ctx, kind, indexKey, id); err != nil {
			return "", fmt.Errorf("save table id %s: %w", id, err)
		}
		t.env.logger.Info("created table", "table", t.TableName(), "table_id", id)
	} else if err := t.migrateTable(ctx, id); err != nil {
		return "", err
	}
	t.tableID = id
	return id, nil
}

func (t *synapseTable) createTable(ctx context.Context) (string, error) {
	created, err := t.env.client.CreateColumns(ctx, t.columns)
	if err != nil {
		return "", fmt.Errorf("create columns: %w", err)
	}
	ids := make([]string, len(created))
	for i, c := range created {
		ids[i] = c.ID
	}
	acl := []synapse.ACLEntry{{PrincipalID: t.env.principalID, AccessTypes: synapse.AccessTypesAdmin}}
	if t.study.DataAccessTeamID != 0 {
		acl = append(acl, synapse.ACLEntry{PrincipalID: t.study.DataAccessTeamID, AccessTypes: synapse.AccessTypesReadOnly})
	}
	table := synapse.TableEntity{Name: t.TableName(), ParentID: t.study.SynapseProjectID, ColumnIDs: ids}
	id, err := t.env.client.CreateTableWithACL(ctx, table, acl)
	if err != nil {
		return "", fmt.Errorf("create table: %w", err)
	}
	return id, nil
}

func (t *synapseTable) migrateTable(ctx context.Context, tableID string) error {
	live, err := t.env.client.GetColumnModelsForTable(ctx, tableID)
	if err != nil {
		return fmt.Errorf("get columns of %s: %w", tableID, err)
	}
	plan, err := planMigration(t.TableName(), live, t.columns)
	if err != nil {
		return err
	}
	if !plan.needed() {
		return nil
	}
	created, err := t.env.client.CreateColumns(ctx, t.columns)
	if err != nil {
		return fmt.Errorf("create columns: %w", err)
	}
	changes, ordered := plan.columnChanges(live, created)
	if err := t.env.client.UpdateTableColumns(ctx, tableID, changes, ordered); err != nil {
		return fmt.Errorf("update columns of %s: %w", tableID, err)
	}
	t.env.logger.Info("migrated table", "table", t.TableName(), "table_id", tableID,
		"added", plan.added, "widened", plan.widened)
	return nil
}

// migrationPlan is the diff of live and desired columns
type migrationPlan struct {
	added   []string
	widened []string
}

func (p migrationPlan) needed() bool {
	return len(p.added) > 0 || len(p.widened) > 0
}

// planMigration diffs live against desired. Deleted columns and any kept
// column changed other than by widening a string fail with *SchemaChangeError.
func planMigration(table string, live, desired []synapse.ColumnModel) (migrationPlan, error) {
	desiredByName := make(map[string]synapse.ColumnModel, len(desired))
	for _, c := range desired {
		desiredByName[c.Name] = c
	}
	liveByName := make(map[string]synapse.ColumnModel, len(live))
	var plan migrationPlan
	sce := &SchemaChangeError{Table: table}
	for _, l := range live {
		liveByName[l.Name] = l
		d, ok := desiredByName[l.Name]
		switch {
		case !ok:
			sce.Deleted = append(sce.Deleted, l.Name)
		case d.ColumnType == l.ColumnType && d.MaxSize == l.MaxSize:
		case d.ColumnType == synapse.ColumnTypeString && l.ColumnType == synapse.ColumnTypeString && d.MaxSize > l.MaxSize:
			plan.widened = append(plan.widened, l.Name)
		default:
			sce.Modified = append(sce.Modified, l.Name)
		}
	}
	if len(sce.Deleted) > 0 || len(sce.Modified) > 0 {
		return migrationPlan{}, sce
	}
	for _, d := range desired {
		if _, ok := liveByName[d.Name]; !ok {
			plan.added = append(plan.added, d.Name)
		}
	}
	return plan, nil
}

// columnChanges maps live ids to the created ids and orders the result so
// kept columns stay in their live relative order and added columns sit at
// their declared positions.
func (p migrationPlan) columnChanges(live, created []synapse.ColumnModel) ([]synapse.ColumnChange, []string) {
	createdByName := make(map[string]string, len(created))
	for _, c := range created {
		createdByName[c.Name] = c.ID
	}
	liveNames := make(map[string]bool, len(live))
	for _, l := range live {
		liveNames[l.Name] = true
	}

	var changes []synapse.ColumnChange
	keptInLiveOrder := make([]string, 0, len(live))
	for _, l := range live {
		newID := createdByName[l.Name]
		if newID != l.ID {
			changes = append(changes, synapse.ColumnChange{OldColumnID: l.ID, NewColumnID: newID})
		}
		keptInLiveOrder = append(keptInLiveOrder, newID)
	}

	ordered := make([]string, 0, len(created))
	next := 0
	for _, c := range created {
		if liveNames[c.Name] {
			ordered = append(ordered, keptInLiveOrder[next])
			next++
			continue
		}
		changes = append(changes, synapse.ColumnChange{NewColumnID: c.ID})
		ordered = append(ordered, c.ID)
	}
	return changes, ordered
}

// tableHandler is the shared part of every row-writing handler
type tableHandler struct {
	synapseTable

	// current is the TsvInfo of the last task seen, stored under initMu
	current atomic.Pointer[taskTsv]
}

type taskTsv struct {
	task *ExportTask
	tsv  *TsvInfo
}

func (h *tableHandler) cachedTsv(task *ExportTask) *TsvInfo {
	if c := h.current.Load(); c != nil && c.task == task {
		return c.tsv
	}
	return nil
}

// tsvForTask returns the task's TsvInfo for this table, initializing the
// table and the file on first use
func (h *tableHandler) tsvForTask(ctx context.Context, task *ExportTask) *TsvInfo {
	if tsv := h.cachedTsv(task); tsv != nil {
		return tsv
	}
	h.initMu.Lock()
	defer h.initMu.Unlock()
	if tsv := h.cachedTsv(task); tsv != nil {
		return tsv
	}
	if tsv := task.tsv(h.key); tsv != nil {
		h.current.Store(&taskTsv{task: task, tsv: tsv})
		return tsv
	}

	var tsv *TsvInfo
	if _, err := h.ensureTable(ctx); err != nil {
		h.env.logger.Error("table init failed", "table", h.TableName(), "error", err)
		tsv = FailedTsvInfo(&TableError{Table: h.TableName(), Err: err})
	} else {
		tsv = NewTsvInfo(columnNames(h.columns), task.TmpDir, h.TableName()+"."+uuid.NewString())
		if err := tsv.Err(); err != nil {
			tsv = FailedTsvInfo(&TableError{Table: h.TableName(), Err: err})
		}
	}
	task.setTsv(h.key, tsv)
	h.current.Store(&taskTsv{task: task, tsv: tsv})
	return tsv
}

// handle writes the row produced by build, counting the outcome
func (h *tableHandler) handle(ctx context.Context, s *ExportSubtask, build func(context.Context, *ExportSubtask) (map[string]string, error)) error {
	metrics := s.task.Metrics
	tsv := h.tsvForTask(ctx, s.task)
	err := tsv.Err()
	if err == nil {
		var row map[string]string
		row, err = build(ctx, s)
		if err == nil {
			err = tsv.WriteRow(row)
		}
	}
	if err != nil {
		metrics.incTableRowError(h.TableName())
		return err
	}
	metrics.incTableRow(h.TableName())
	return nil
}
