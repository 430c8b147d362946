package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"bridge-exporter/internal/model"
)

// TableKind distinguishes destination tables that share a key space
type TableKind string

const (
	KindHealthData TableKind = "health-data"
	KindAppVersion TableKind = "app-version"
	KindDefault    TableKind = "default"
	KindStatus     TableKind = "status"
)

// tableKey identifies one destination table. Health-data tables are keyed by
// schema, meta tables by study.
type tableKey struct {
	kind   TableKind
	study  string
	schema model.SchemaKey
}

func healthDataKey(k model.SchemaKey) tableKey {
	return tableKey{kind: KindHealthData, study: k.StudyID, schema: k}
}

func studyTableKey(kind TableKind, studyID string) tableKey {
	return tableKey{kind: kind, study: studyID}
}

// TableName is the destination table name
func (k tableKey) TableName() string {
	switch k.kind {
	case KindHealthData:
		return k.schema.String()
	case KindAppVersion:
		return k.study + "-appVersion"
	default:
		return k.study + "-" + string(k.kind)
	}
}

// indexKey is the key under which the side index stores the table id
func (k tableKey) indexKey() string {
	if k.kind == KindHealthData {
		return k.schema.String()
	}
	return k.study
}

// ExportTask is the context of one export run. It is owned by the manager;
// handlers only touch its TSV cache and metrics.
type ExportTask struct {
	ExportDate string
	RunID      string
	TmpDir     string
	Request    model.ExportRequest
	Metrics    *Metrics

	group *errgroup.Group
	gctx  context.Context

	schemas  *keyedCache[model.SchemaKey, *model.Schema]
	studies  *keyedCache[string, *model.StudyInfo]
	handlers *keyedCache[tableKey, TableHandler]

	mu       sync.Mutex
	tsvs     map[tableKey]*TsvInfo
	futures  []*future
	observed map[string]struct{}
}

func newExportTask(ctx context.Context, runID string, req model.ExportRequest, exportDate, tmpDir string, workers int) *ExportTask {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &ExportTask{
		ExportDate: exportDate,
		RunID:      runID,
		TmpDir:     tmpDir,
		Request:    req,
		Metrics:    NewMetrics(),
		group:      g,
		gctx:       gctx,
		schemas:    newKeyedCache[model.SchemaKey, *model.Schema](),
		studies:    newKeyedCache[string, *model.StudyInfo](),
		handlers:   newKeyedCache[tableKey, TableHandler](),
		tsvs:       make(map[tableKey]*TsvInfo),
		observed:   make(map[string]struct{}),
	}
}

func (t *ExportTask) tsv(key tableKey) *TsvInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tsvs[key]
}

func (t *ExportTask) setTsv(key tableKey, tsv *TsvInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tsvs[key] = tsv
}

func (t *ExportTask) addFuture(f *future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.futures = append(t.futures, f)
}

// pendingFutures returns futures in submission order
func (t *ExportTask) pendingFutures() []*future {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*future(nil), t.futures...)
}

func (t *ExportTask) observeStudy(studyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed[studyID] = struct{}{}
}

// ObservedStudies returns the studies seen in this task, sorted
func (t *ExportTask) ObservedStudies() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.observed))
	for s := range t.observed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ExportSubtask is one record's work against one target schema. Immutable.
type ExportSubtask struct {
	record    *model.Record
	task      *ExportTask
	data      map[string]any
	schemaKey model.SchemaKey
	reshaped  bool
}

// NewExportSubtask creates a subtask whose payload is the record's own data
func NewExportSubtask(task *ExportTask, record *model.Record, data map[string]any, key model.SchemaKey) *ExportSubtask {
	return &ExportSubtask{record: record, task: task, data: data, schemaKey: key}
}

func (s *ExportSubtask) Record() *model.Record      { return s.record }
func (s *ExportSubtask) Task() *ExportTask          { return s.task }
func (s *ExportSubtask) Data() map[string]any       { return s.data }
func (s *ExportSubtask) SchemaKey() model.SchemaKey { return s.schemaKey }

// Reshaped reports whether the payload was produced by a reshaping handler
func (s *ExportSubtask) Reshaped() bool { return s.reshaped }

// future is the outcome slot of one submitted worker. err is written by the
// worker before errgroup.Wait returns and read only after it.
type future struct {
	recordID string
	subtask  *ExportSubtask
	table    string
	// dest is set when the worker wrote to a health-data table
	dest *model.SchemaKey
	err  error
}
