package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

func walkFields() []model.FieldDefinition {
	return []model.FieldDefinition{{Name: "steps", Type: model.FieldTypeInt}}
}

func recordIDs(rows []map[string]string) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r[columnRecordID]
	}
	return ids
}

func TestNewExportWorkerManager_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewExportWorkerManager(Config{}, Deps{}, discardLogger())
	require.ErrorContains(t, err, "synapse client is required")

	e := newTestEnv(t, Config{})
	deps := e.manager.deps
	_, err = NewExportWorkerManager(Config{LegacyAttachmentFields: []string{"bad"}}, deps, discardLogger())
	require.ErrorContains(t, err, "invalid legacy attachment field")

	deps.Publisher = nil
	_, err = NewExportWorkerManager(Config{}, deps, discardLogger())
	require.ErrorContains(t, err, "request publisher is required")
}

func TestRun_SingleRecordEndToEnd(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{Workers: 4})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(newRecord("r1", "walk", 1, `{"steps": 1200}`))

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)

	require.Equal(t, []string{"study1-appVersion", "study1-status", "study1-walk-v1"}, e.syn.tableNames())
	rows := e.syn.rows("study1-walk-v1")
	require.Len(t, rows, 1)
	require.Equal(t, "r1", rows[0][columnRecordID])
	require.Equal(t, "1200", rows[0]["steps"])

	appRows := e.syn.rows("study1-appVersion")
	require.Len(t, appRows, 1)
	require.Equal(t, "study1-walk-v1", appRows[0][columnOriginalTable])
	require.Equal(t, "version 1.0, build 12", appRows[0][columnAppVersion])

	require.Equal(t, [][]string{{"2026-10-14"}}, e.syn.appendedRows("study1-status"))
	require.Empty(t, e.publisher.requests())
	require.Empty(t, e.blobs.Keys())

	require.Equal(t, "2026-10-14", summary.ExportDate)
	require.EqualValues(t, 1, summary.RecordsSubmitted)
	require.Equal(t, []string{testStudy}, summary.Studies)
	require.Empty(t, summary.FailedRecordIDs)
	require.Empty(t, summary.FailedTables)
	require.Equal(t, model.RunStatusCompleted, e.runs.lastStatus("run-1"))
}

func TestRun_ManyRecordsAcrossTables(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{Workers: 3})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.registry.add(schemaKey("sleep", 2), model.FieldDefinition{Name: "hours", Type: model.FieldTypeFloat})
	var walkIDs, sleepIDs []string
	for i := 0; i < 20; i++ {
		walk := newRecord(fmt.Sprintf("w%02d", i), "walk", 1, fmt.Sprintf(`{"steps": %d}`, i))
		sleep := newRecord(fmt.Sprintf("s%02d", i), "sleep", 2, `{"hours": 7.5}`)
		e.records.add(walk, sleep)
		walkIDs = append(walkIDs, walk.ID)
		sleepIDs = append(sleepIDs, sleep.ID)
	}
	e.records.add(newRecord("plain", "", 0, `{}`))

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)
	require.Equal(t, walkIDs, recordIDs(e.syn.rows("study1-walk-v1")))
	require.Equal(t, sleepIDs, recordIDs(e.syn.rows("study1-sleep-v2")))
	require.Equal(t, []string{"plain"}, recordIDs(e.syn.rows("study1-default")))
	require.Len(t, e.syn.rows("study1-appVersion"), 41)
	require.EqualValues(t, 41, summary.RecordsSubmitted)
	require.Empty(t, e.publisher.requests())
}

func TestRun_FiltersUnsharedAndUnlistedStudies(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	shared := newRecord("shared", "walk", 1, `{"steps": 1}`)
	private := newRecord("private", "walk", 1, `{"steps": 2}`)
	private.SharingScope = model.SharingScopeNoSharing
	other := newRecord("other", "walk", 1, `{"steps": 3}`)
	other.StudyID = "study2"
	e.records.add(shared, private, other)

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14", StudyWhitelist: []string{testStudy}})
	require.NoError(t, err)
	require.Equal(t, []string{"shared"}, recordIDs(e.syn.rows("study1-walk-v1")))
	require.EqualValues(t, 1, summary.RecordsSubmitted)
}

func TestRun_TableWhitelistSkipsMetaTables(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.registry.add(schemaKey("sleep", 1), walkFields()...)
	e.records.add(
		newRecord("w1", "walk", 1, `{"steps": 1}`),
		newRecord("s1", "sleep", 1, `{"steps": 1}`),
		newRecord("plain", "", 0, `{}`),
	)

	req := model.ExportRequest{Date: "2026-10-14", TableWhitelist: []model.SchemaKey{schemaKey("walk", 1)}}
	_, err := e.runner.Run(context.Background(), "run-1", req)
	require.NoError(t, err)
	require.Equal(t, []string{"study1-status", "study1-walk-v1"}, e.syn.tableNames())
	require.Equal(t, []string{"w1"}, recordIDs(e.syn.rows("study1-walk-v1")))
}

func TestRun_SurveyIsReshaped(t *testing.T) {
	t.Parallel()

	// One worker makes the reshaped subtask run inline on the survey's slot
	e := newTestEnv(t, Config{Workers: 1})
	e.registry.add(schemaKey("mood", 1),
		model.FieldDefinition{Name: "happy", Type: model.FieldTypeBoolean},
		model.FieldDefinition{Name: "weight", Type: model.FieldTypeFloat},
		model.FieldDefinition{Name: "weight_unit", Type: model.FieldTypeString},
	)
	answers := `[
		{"item": "happy", "questionTypeName": "Boolean", "booleanAnswer": true},
		{"item": "weight", "questionTypeName": "Decimal", "numericAnswer": 70.5, "unit": "kg"},
		{"item": "mystery", "questionTypeName": "Hologram", "hologramAnswer": 1}
	]`
	require.NoError(t, e.blobs.Put(context.Background(), "answers-1", []byte(answers)))
	e.records.add(newRecord("r1", surveySchemaID, surveySchemaRevision, `{"item": "mood", "answers": "answers-1"}`))

	_, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)

	rows := e.syn.rows("study1-mood-v1")
	require.Len(t, rows, 1)
	require.Equal(t, "true", rows[0]["happy"])
	require.Equal(t, "70.5", rows[0]["weight"])
	require.Equal(t, "kg", rows[0]["weight_unit"])
	require.Empty(t, e.syn.tableID("study1-ios-survey-v1"))

	appRows := e.syn.rows("study1-appVersion")
	require.Len(t, appRows, 1)
	require.Equal(t, "study1-ios-survey-v1", appRows[0][columnOriginalTable])
}

func TestRun_BrokenSurveyIsRedriven(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.records.add(newRecord("r1", surveySchemaID, surveySchemaRevision, `{"item": "mood"}`))

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, summary.FailedRecordIDs)
	require.Len(t, e.publisher.requests(), 1)
}

func TestRun_FailedRecordsAreRedriven(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(
		newRecord("good", "walk", 1, `{"steps": 1}`),
		newRecord("unknown", "nope", 1, `{}`),
	)
	unset := newRecord("unset", "walk", 1, `{}`)
	unset.StudyID = "unset"
	e.records.add(unset)

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14", Tag: "nightly"})
	require.NoError(t, err)
	require.Equal(t, []string{"unknown", "unset"}, summary.FailedRecordIDs)
	require.Empty(t, summary.FailedTables)

	key := "redrive-record-ids.2026-10-15T08:30:00.000Z"
	require.Equal(t, key, summary.RedriveRecordsBlob)
	stored, err := e.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []string{"unknown", "unset"}, ParseRecordIDs(stored))

	published := e.publisher.requests()
	require.Len(t, published, 1)
	require.Equal(t, 15*time.Minute, published[0].delay)
	require.Equal(t, model.ExportRequest{
		RecordIDBlobOverride: key,
		RedriveCount:         1,
		Tag:                  model.TagRedriveRecords,
	}, published[0].req)

	require.Equal(t, []string{"good"}, recordIDs(e.syn.rows("study1-walk-v1")))
	require.Len(t, e.runs.errs, 2)
}

func TestRun_RedriveOverrideProcessesOnlyListedRecords(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(
		newRecord("A", "walk", 1, `{"steps": 1}`),
		newRecord("B", "walk", 1, `{"steps": 2}`),
		newRecord("C", "walk", 1, `{"steps": 3}`),
	)
	require.NoError(t, e.blobs.Put(context.Background(), "ids", []byte("A\nC\nmissing\n")))

	req := model.ExportRequest{RecordIDBlobOverride: "ids", RedriveCount: 1, Tag: model.TagRedriveRecords}
	summary, err := e.runner.Run(context.Background(), "run-1", req)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "C"}, recordIDs(e.syn.rows("study1-walk-v1")))
	require.EqualValues(t, 2, summary.RecordsSubmitted)
	require.Empty(t, e.publisher.requests())
}

func TestRun_RejectedSchemaChangeRedrivesTable(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(newRecord("r1", "walk", 1, `{"steps": 1}`))
	live := append(commonColumns(), stringColumn("retired", 10))
	tableID := seedLiveTable(t, e, live...)
	before := liveColumnIDs(t, e, tableID)

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)
	require.Empty(t, summary.FailedRecordIDs)
	require.Equal(t, []model.SchemaKey{schemaKey("walk", 1)}, summary.FailedTables)
	require.Empty(t, e.syn.updates)
	require.Equal(t, before, liveColumnIDs(t, e, tableID))
	require.Empty(t, e.syn.rows("study1-walk-v1"))
	require.Len(t, e.syn.rows("study1-appVersion"), 1)

	published := e.publisher.requests()
	require.Len(t, published, 1)
	require.Equal(t, model.ExportRequest{
		Date:           "2026-10-14",
		TableWhitelist: []model.SchemaKey{schemaKey("walk", 1)},
		RedriveCount:   1,
		Tag:            model.TagRedriveTables,
	}, published[0].req)
}

func TestRun_TableFailureInRecordRedriveRedrivesItsRecords(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(newRecord("r1", "walk", 1, `{"steps": 1}`))
	seedLiveTable(t, e, append(commonColumns(), stringColumn("retired", 10))...)
	require.NoError(t, e.blobs.Put(context.Background(), "ids", []byte("r1")))

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{RecordIDBlobOverride: "ids"})
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, summary.FailedRecordIDs)
	require.Empty(t, summary.FailedTables)

	published := e.publisher.requests()
	require.Len(t, published, 1)
	require.Equal(t, model.TagRedriveRecords, published[0].req.Tag)
	require.Empty(t, published[0].req.TableWhitelist)
}

func TestRun_RedriveLimitStopsRedrive(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{MaxRedriveCount: 2})
	e.records.add(newRecord("unknown", "nope", 1, `{}`))

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14", RedriveCount: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"unknown"}, summary.FailedRecordIDs)
	require.Empty(t, summary.RedriveRecordsBlob)
	require.Empty(t, e.publisher.requests())
	require.Empty(t, e.blobs.Keys())
}

func TestRun_UnavailableAtCommitRestarts(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.syn.uploadErr = &synapse.ServiceError{StatusCode: 503, Op: "upload", Message: "read only"}
	e.syn.failTable = "study1-sleep-v1"
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.registry.add(schemaKey("sleep", 1), walkFields()...)
	e.records.add(
		newRecord("r1", "walk", 1, `{"steps": 1}`),
		newRecord("r2", "sleep", 1, `{"steps": 2}`),
	)

	_, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.True(t, IsRestart(err))
	var re *RestartError
	require.ErrorAs(t, err, &re)
	require.Equal(t, 3, e.syn.uploads)

	require.Empty(t, e.syn.appendedRows("study1-status"))
	require.Empty(t, e.publisher.requests())
	require.Empty(t, e.blobs.Keys())
	require.Equal(t, model.RunStatusRestart, e.runs.lastStatus("run-1"))
}

func TestRun_UnavailableInWorkerRestarts(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{Workers: 2})
	e.registry.add(schemaKey("walk", 1), model.FieldDefinition{Name: "file", Type: model.FieldTypeAttachmentV2})
	require.NoError(t, e.blobs.Put(context.Background(), "att", []byte("x")))
	e.records.add(newRecord("r1", "walk", 1, `{"file": "att"}`))
	e.manager.env.client = &unavailableUploads{fakeSynapse: e.syn}

	_, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.True(t, IsRestart(err))
	require.Zero(t, e.syn.uploads)
	require.Empty(t, e.syn.appendedRows("study1-status"))
	require.Empty(t, e.publisher.requests())
}

type unavailableUploads struct {
	*fakeSynapse
}

func (u *unavailableUploads) UploadFileHandle(context.Context, string, string, []byte) (string, error) {
	return "", &synapse.ServiceError{StatusCode: 503, Op: "upload file", Message: "down"}
}

func TestExecute_RestartRepublishesOriginalRequest(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{RedriveDelay: time.Hour})
	e.syn.uploadErr = &synapse.ServiceError{StatusCode: 503}
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(newRecord("r1", "walk", 1, `{"steps": 1}`))

	req := model.ExportRequest{Date: "2026-10-14", Tag: "nightly"}
	require.NoError(t, e.runner.HandleRequest(context.Background(), req))

	published := e.publisher.requests()
	require.Len(t, published, 1)
	require.Equal(t, req, published[0].req)
	require.Equal(t, time.Hour, published[0].delay)
}

func TestExecute_InvalidRequestFailsRun(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	req := model.ExportRequest{RecordIDBlobOverride: "ids", TableWhitelist: []model.SchemaKey{schemaKey("walk", 1)}}
	err := e.runner.Execute(context.Background(), "run-1", req)
	require.ErrorContains(t, err, "invalid export request")
	require.Equal(t, model.RunStatusFailed, e.runs.lastStatus("run-1"))
	require.Len(t, e.runs.errs, 1)
	require.Equal(t, "run", e.runs.errs[0].Scope)
}

func TestRun_DateRangeUsesCurrentDateForStatus(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	day1 := newRecord("d1", "walk", 1, `{"steps": 1}`)
	day2 := newRecord("d2", "walk", 1, `{"steps": 2}`)
	day2.UploadDate = "2026-10-15"
	outside := newRecord("d3", "walk", 1, `{"steps": 3}`)
	outside.UploadDate = "2026-10-16"
	e.records.add(day1, day2, outside)

	start := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{StartDateTime: &start, EndDateTime: &end})
	require.NoError(t, err)
	require.Equal(t, "2026-10-15", summary.ExportDate)
	require.Equal(t, []string{"d1", "d2"}, recordIDs(e.syn.rows("study1-walk-v1")))
	require.Equal(t, [][]string{{"2026-10-15"}}, e.syn.appendedRows("study1-status"))
}

func TestRun_StatusRowFailureIsRecorded(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.syn.appendErr = errors.New("append rejected")
	e.registry.add(schemaKey("walk", 1), walkFields()...)
	e.records.add(newRecord("r1", "walk", 1, `{"steps": 1}`))

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)
	require.Empty(t, summary.FailedRecordIDs)
	require.Len(t, e.runs.errs, 1)
	require.Equal(t, "status", e.runs.errs[0].Scope)
	require.Equal(t, testStudy, e.runs.errs[0].Target)
	require.Empty(t, e.publisher.requests())
}

func TestRun_RecordFailingOnlyInRedrivenTableIsNotRedrivenTwice(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.syn.uploadErr = errors.New("upload rejected")
	e.syn.failTable = "study1-walk-v1"
	e.registry.add(schemaKey("walk", 1),
		model.FieldDefinition{Name: "steps", Type: model.FieldTypeInt},
		model.FieldDefinition{Name: "att", Type: model.FieldTypeAttachmentBlob})
	e.records.add(
		newRecord("broken", "walk", 1, `{"att": "missing"}`),
		newRecord("good", "walk", 1, `{"steps": 1}`),
		newRecord("unknown", "nope", 1, `{}`),
	)

	summary, err := e.runner.Run(context.Background(), "run-1", model.ExportRequest{Date: "2026-10-14"})
	require.NoError(t, err)
	require.Equal(t, []model.SchemaKey{schemaKey("walk", 1)}, summary.FailedTables)
	require.Equal(t, []string{"unknown"}, summary.FailedRecordIDs)

	stored, err := e.blobs.Get(context.Background(), summary.RedriveRecordsBlob)
	require.NoError(t, err)
	require.Equal(t, []string{"unknown"}, ParseRecordIDs(stored))

	published := e.publisher.requests()
	require.Len(t, published, 2)
	require.Equal(t, model.TagRedriveRecords, published[0].req.Tag)
	require.Equal(t, model.TagRedriveTables, published[1].req.Tag)
	require.Equal(t, []model.SchemaKey{schemaKey("walk", 1)}, published[1].req.TableWhitelist)
}

func TestRunOutcome_DropCoveredRecords(t *testing.T) {
	t.Parallel()

	walk, sleep := schemaKey("walk", 1), schemaKey("sleep", 1)
	o := newRunOutcome()
	o.failedTables[walk] = struct{}{}
	for id, dests := range map[string][]*model.SchemaKey{
		"walk-only":       {&walk},
		"walk-and-meta":   {&walk, nil},
		"walk-and-sleep":  {&walk, &sleep},
		"sleep-only":      {&sleep},
		"before-dispatch": {nil},
	} {
		o.failedRecords[id] = struct{}{}
		o.failedIn[id] = dests
	}

	o.dropCoveredRecords()
	require.Equal(t, map[string]struct{}{
		"walk-and-meta":   {},
		"walk-and-sleep":  {},
		"sleep-only":      {},
		"before-dispatch": {},
	}, o.failedRecords)
}

func TestDispatchMeta_ConstructorErrorFailsRecord(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	task := e.newTask(t, model.ExportRequest{Date: "2026-10-14"})
	rec := newRecord("r1", "walk", 1, `{}`)
	boom := errors.New("no table for you")

	key := studyTableKey(KindAppVersion, testStudy)
	e.manager.dispatchMeta(task, key, NewExportSubtask(task, rec, nil, rec.SchemaKey()), func() (TableHandler, error) {
		return nil, boom
	})

	futures := task.pendingFutures()
	require.Len(t, futures, 1)
	require.ErrorIs(t, futures[0].err, boom)
	require.Equal(t, "study1-appVersion", futures[0].table)
	require.Nil(t, futures[0].dest)
	require.Empty(t, task.handlers.values())

	outcome := e.manager.drain(context.Background(), task)
	require.Contains(t, outcome.failedRecords, "r1")
}
