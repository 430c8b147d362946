package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bridge-exporter/internal/blob"
	"bridge-exporter/internal/model"
	"bridge-exporter/internal/registry"
	"bridge-exporter/internal/synapse"
	"bridge-exporter/pkg/utils"
)

const (
	testStudy   = "study1"
	testProject = "syn100"
	testTeam    = int64(42)
	testAdmin   = int64(7)
)

var testNow = time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type columnUpdate struct {
	tableID string
	changes []synapse.ColumnChange
	ordered []string
}

// fakeSynapse keeps tables in memory. CreateColumns resolves an existing
// definition to its existing id, like the real service.
type fakeSynapse struct {
	mu        sync.Mutex
	nextID    int
	colByDef  map[string]string
	columns   map[string]synapse.ColumnModel
	tables    map[string]*synapse.TableEntity
	acls      map[string][]synapse.ACLEntry
	uploaded  map[string][]map[string]string
	appended  map[string][][]string
	handles   map[string][]byte
	createCol int
	updates   []columnUpdate
	uploads   int

	uploadErr   error
	failTable   string
	uploadDelta int64
	appendErr   error
}

func newFakeSynapse() *fakeSynapse {
	return &fakeSynapse{
		colByDef: map[string]string{},
		columns:  map[string]synapse.ColumnModel{},
		tables:   map[string]*synapse.TableEntity{},
		acls:     map[string][]synapse.ACLEntry{},
		uploaded: map[string][]map[string]string{},
		appended: map[string][][]string{},
		handles:  map[string][]byte{},
	}
}

func (f *fakeSynapse) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *fakeSynapse) CreateColumns(_ context.Context, cols []synapse.ColumnModel) ([]synapse.ColumnModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCol++
	out := make([]synapse.ColumnModel, len(cols))
	for i, c := range cols {
		def := fmt.Sprintf("%s|%s|%d", c.Name, c.ColumnType, c.MaxSize)
		id, ok := f.colByDef[def]
		if !ok {
			id = f.id("col")
			f.colByDef[def] = id
			c.ID = id
			f.columns[id] = c
		}
		out[i] = f.columns[id]
	}
	return out, nil
}

func (f *fakeSynapse) CreateTableWithACL(_ context.Context, table synapse.TableEntity, acl []synapse.ACLEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table.ID = f.id("syn")
	table.ColumnIDs = append([]string(nil), table.ColumnIDs...)
	f.tables[table.ID] = &table
	f.acls[table.ID] = acl
	return table.ID, nil
}

func (f *fakeSynapse) GetTable(_ context.Context, tableID string) (*synapse.TableEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableID]
	if !ok {
		return nil, &synapse.ServiceError{StatusCode: 404, Op: "get table", Message: tableID}
	}
	cp := *t
	return &cp, nil
}

func (f *fakeSynapse) GetColumnModelsForTable(_ context.Context, tableID string) ([]synapse.ColumnModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableID]
	if !ok {
		return nil, &synapse.ServiceError{StatusCode: 404, Op: "get columns", Message: tableID}
	}
	out := make([]synapse.ColumnModel, len(t.ColumnIDs))
	for i, id := range t.ColumnIDs {
		out[i] = f.columns[id]
	}
	return out, nil
}

func (f *fakeSynapse) UpdateTableColumns(_ context.Context, tableID string, changes []synapse.ColumnChange, ordered []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, columnUpdate{tableID: tableID, changes: changes, ordered: ordered})
	f.tables[tableID].ColumnIDs = append([]string(nil), ordered...)
	return nil
}

func (f *fakeSynapse) UploadTSVToTable(_ context.Context, _, tableID, filePath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil && (f.failTable == "" || f.tables[tableID].Name == f.failTable) {
		return 0, f.uploadErr
	}
	file, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	r := csv.NewReader(file)
	r.Comma = '\t'
	lines, err := r.ReadAll()
	if err != nil {
		return 0, err
	}
	header := lines[0]
	for _, line := range lines[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			row[name] = line[i]
		}
		f.uploaded[tableID] = append(f.uploaded[tableID], row)
	}
	return int64(len(lines)-1) + f.uploadDelta, nil
}

func (f *fakeSynapse) AppendRows(_ context.Context, tableID string, rows [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended[tableID] = append(f.appended[tableID], rows...)
	return nil
}

func (f *fakeSynapse) UploadFileHandle(_ context.Context, _, fileName string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "fh-" + fileName
	f.handles[id] = append([]byte(nil), content...)
	return id, nil
}

// addTable creates a live table with the given columns, bypassing the exporter
func (f *fakeSynapse) addTable(t *testing.T, name string, cols []synapse.ColumnModel) string {
	t.Helper()
	created, err := f.CreateColumns(context.Background(), cols)
	require.NoError(t, err)
	ids := make([]string, len(created))
	for i, c := range created {
		ids[i] = c.ID
	}
	id, err := f.CreateTableWithACL(context.Background(), synapse.TableEntity{Name: name, ParentID: testProject, ColumnIDs: ids}, nil)
	require.NoError(t, err)
	f.mu.Lock()
	f.createCol = 0
	f.mu.Unlock()
	return id
}

func (f *fakeSynapse) tableID(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.tables {
		if t.Name == name {
			return id
		}
	}
	return ""
}

func (f *fakeSynapse) tableNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, t := range f.tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeSynapse) columnNames(t *testing.T, tableName string) []string {
	t.Helper()
	cols, err := f.GetColumnModelsForTable(context.Background(), f.tableID(tableName))
	require.NoError(t, err)
	return columnNames(cols)
}

// rows returns the uploaded rows of a table sorted by record id
func (f *fakeSynapse) rows(tableName string) []map[string]string {
	id := f.tableID(tableName)
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := append([]map[string]string(nil), f.uploaded[id]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i][columnRecordID] < rows[j][columnRecordID] })
	return rows
}

func (f *fakeSynapse) appendedRows(tableName string) [][]string {
	id := f.tableID(tableName)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appended[id]
}

type fakeIndex struct {
	mu  sync.Mutex
	ids map[string]string
}

func newFakeIndex() *fakeIndex { return &fakeIndex{ids: map[string]string{}} }

func (i *fakeIndex) GetTableID(_ context.Context, kind, key string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.ids[kind+"/"+key]
	return id, ok, nil
}

func (i *fakeIndex) PutTableID(_ context.Context, kind, key, tableID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids[kind+"/"+key] = tableID
	return nil
}

type fakeStudies map[string]*model.StudyInfo

func (s fakeStudies) GetStudy(_ context.Context, studyID string) (*model.StudyInfo, error) {
	info, ok := s[studyID]
	if !ok {
		return nil, fmt.Errorf("study %s not found", studyID)
	}
	return info, nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	schemas map[model.SchemaKey]*model.Schema
}

func (r *fakeRegistry) add(key model.SchemaKey, fields ...model.FieldDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[key] = &model.Schema{Key: key, FieldDefinitions: fields}
}

func (r *fakeRegistry) GetSchema(_ context.Context, key model.SchemaKey) (*model.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrSchemaNotFound, key)
	}
	return s, nil
}

type fakeAttachments struct {
	mu       sync.Mutex
	reserved map[string]string
}

func (a *fakeAttachments) ReserveAttachment(_ context.Context, attachmentID, recordID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reserved[attachmentID]; ok {
		return errors.New("attachment already reserved")
	}
	a.reserved[attachmentID] = recordID
	return nil
}

type publishedRequest struct {
	req   model.ExportRequest
	delay time.Duration
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedRequest
}

func (p *fakePublisher) Publish(_ context.Context, req model.ExportRequest, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedRequest{req: req, delay: delay})
	return nil
}

func (p *fakePublisher) requests() []publishedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedRequest(nil), p.published...)
}

type fakeRecords struct {
	records map[string]*model.Record
}

func (r *fakeRecords) add(records ...*model.Record) {
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
}

func (r *fakeRecords) QueryRecordIDsByUploadDate(_ context.Context, uploadDate string) ([]string, error) {
	var ids []string
	for id, rec := range r.records {
		if rec.UploadDate == uploadDate {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeRecords) GetRecord(_ context.Context, id string) (*model.Record, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	return rec, nil
}

type fakeRuns struct {
	mu       sync.Mutex
	statuses map[string][]string
	errs     []model.RunError
}

func (r *fakeRuns) CreateRun(_ context.Context, run model.ExportRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[run.ID] = append(r.statuses[run.ID], run.Status)
	return nil
}

func (r *fakeRuns) UpdateRunStatus(_ context.Context, runID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[runID] = append(r.statuses[runID], status)
	return nil
}

func (r *fakeRuns) SaveRunError(_ context.Context, runErr model.RunError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, runErr)
	return nil
}

func (r *fakeRuns) lastStatus(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statuses[runID]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

type testEnv struct {
	syn         *fakeSynapse
	index       *fakeIndex
	registry    *fakeRegistry
	blobs       *blob.Memory
	attachments *fakeAttachments
	publisher   *fakePublisher
	records     *fakeRecords
	runs        *fakeRuns
	manager     *ExportWorkerManager
	runner      *Runner
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.PrincipalID == 0 {
		cfg.PrincipalID = testAdmin
	}
	if cfg.MaxRedriveCount == 0 {
		cfg.MaxRedriveCount = 3
	}
	if cfg.RedriveDelay == 0 {
		cfg.RedriveDelay = 15 * time.Minute
	}
	e := &testEnv{
		syn:         newFakeSynapse(),
		index:       newFakeIndex(),
		registry:    &fakeRegistry{schemas: map[model.SchemaKey]*model.Schema{}},
		blobs:       blob.NewMemory(),
		attachments: &fakeAttachments{reserved: map[string]string{}},
		publisher:   &fakePublisher{},
		records:     &fakeRecords{records: map[string]*model.Record{}},
		runs:        &fakeRuns{statuses: map[string][]string{}},
	}
	studies := fakeStudies{
		testStudy: {StudyID: testStudy, SynapseProjectID: testProject, DataAccessTeamID: testTeam},
		"unset":   {StudyID: "unset"},
	}
	m, err := NewExportWorkerManager(cfg, Deps{
		Synapse:     e.syn,
		Registry:    e.registry,
		Studies:     studies,
		Tables:      e.index,
		Blobs:       e.blobs,
		Attachments: e.attachments,
		Publisher:   e.publisher,
		Runs:        e.runs,
		Now:         func() time.Time { return testNow },
	}, discardLogger())
	require.NoError(t, err)
	e.manager = m
	e.runner = NewRunner(m, e.records, e.blobs, e.runs, utils.NewOutputManager(t.TempDir()), time.UTC, discardLogger())
	return e
}

func (e *testEnv) newTask(t *testing.T, req model.ExportRequest) *ExportTask {
	t.Helper()
	return e.manager.NewTask(context.Background(), "run-1", req, "2026-10-14", t.TempDir())
}

func testStudyInfo() *model.StudyInfo {
	return &model.StudyInfo{StudyID: testStudy, SynapseProjectID: testProject, DataAccessTeamID: testTeam}
}

func schemaKey(schemaID string, rev int) model.SchemaKey {
	return model.SchemaKey{StudyID: testStudy, SchemaID: schemaID, Revision: rev}
}

func newRecord(id, schemaID string, rev int, data string) *model.Record {
	return &model.Record{
		ID:             id,
		StudyID:        testStudy,
		SchemaID:       schemaID,
		SchemaRevision: rev,
		HealthCode:     "hc-" + id,
		Data:           json.RawMessage(data),
		Metadata:       json.RawMessage(`{"appVersion":"version 1.0, build 12","phoneInfo":"iPhone 15"}`),
		CreatedOn:      1760486400000,
		UploadDate:     "2026-10-14",
		SharingScope:   model.SharingScopeAllQualifiedResearchers,
		DataGroups:     []string{"b", "a"},
	}
}
