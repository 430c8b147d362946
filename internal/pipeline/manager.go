// Package pipeline exports health data records into destination tables.
//
// The ExportWorkerManager fans each record out to table handlers running in a
// bounded pool, then at end of stream commits every touched table, writes
// per-study status rows and publishes redrive requests for whatever failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/synapse"
)

// Config tunes the manager
type Config struct {
	Workers                int
	PrincipalID            int64
	RedriveDelay           time.Duration
	MaxRedriveCount        int
	LegacyAttachmentFields []string
}

// Deps are the manager's collaborators. Runs may be nil.
type Deps struct {
	Synapse     synapse.Client
	Registry    SchemaRegistry
	Studies     StudyLookup
	Tables      TableIndex
	Blobs       BlobStore
	Attachments AttachmentReserver
	Publisher   RequestPublisher
	Runs        RunTracker
	Now         func() time.Time
}

// ExportWorkerManager dispatches records to handlers and finishes tasks
type ExportWorkerManager struct {
	cfg    Config
	deps   Deps
	env    *handlerEnv
	survey *SurveyHandler
	status *StatusTableWriter
	logger *slog.Logger
}

// NewExportWorkerManager validates its inputs and builds a manager
func NewExportWorkerManager(cfg Config, deps Deps, logger *slog.Logger) (*ExportWorkerManager, error) {
	switch {
	case deps.Synapse == nil:
		return nil, errors.New("synapse client is required")
	case deps.Registry == nil:
		return nil, errors.New("schema registry is required")
	case deps.Studies == nil:
		return nil, errors.New("study lookup is required")
	case deps.Tables == nil:
		return nil, errors.New("table index is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Attachments == nil:
		return nil, errors.New("attachment reserver is required")
	case deps.Publisher == nil:
		return nil, errors.New("request publisher is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	legacy, err := ParseLegacyAttachmentFields(cfg.LegacyAttachmentFields)
	if err != nil {
		return nil, err
	}
	env := &handlerEnv{
		client:      deps.Synapse,
		index:       deps.Tables,
		blobs:       deps.Blobs,
		attachments: deps.Attachments,
		principalID: cfg.PrincipalID,
		legacy:      legacy,
		logger:      logger,
	}
	m := &ExportWorkerManager{
		cfg:    cfg,
		deps:   deps,
		env:    env,
		status: &StatusTableWriter{env: env},
		logger: logger,
	}
	m.survey = newSurveyHandler(deps.Blobs, m, logger)
	return m, nil
}

// NewTask starts a task whose workers run under ctx
func (m *ExportWorkerManager) NewTask(ctx context.Context, runID string, req model.ExportRequest, exportDate, tmpDir string) *ExportTask {
	return newExportTask(ctx, runID, req, exportDate, tmpDir, m.cfg.Workers)
}

// Submit fans one record out to its handlers. It blocks while the pool is
// full and returns an error only once the task must stop taking records.
func (m *ExportWorkerManager) Submit(ctx context.Context, task *ExportTask, record *model.Record) error {
	if err := task.stopErr(); err != nil {
		return err
	}
	task.Metrics.incSubmitted()
	task.observeStudy(record.StudyID)

	study, err := m.studyInfo(ctx, task, record.StudyID)
	if err != nil {
		m.failRecord(task, record.ID, "", err)
		return nil
	}
	data, err := record.DataMap()
	if err != nil {
		m.failRecord(task, record.ID, "", badRecordf("record %s data: %v", record.ID, err))
		return nil
	}

	metaTables := len(task.Request.TableWhitelist) == 0
	switch key := record.SchemaKey(); {
	case !record.HasSchema():
		if metaTables {
			m.dispatchMeta(task, studyTableKey(KindDefault, study.StudyID), NewExportSubtask(task, record, data, key), func() (TableHandler, error) {
				return newDefaultHandler(m.env, study), nil
			})
		}
	case isRawSurvey(key):
		m.dispatch(task, m.survey, NewExportSubtask(task, record, data, key), "")
	case task.Request.IsTableAllowed(key):
		h, err := m.healthDataHandler(ctx, task, study, key)
		if err != nil {
			m.failRecord(task, record.ID, key.String(), err)
			break
		}
		m.dispatch(task, h, NewExportSubtask(task, record, data, key), h.TableName())
	}

	if metaTables {
		m.dispatchMeta(task, studyTableKey(KindAppVersion, study.StudyID), NewExportSubtask(task, record, data, record.SchemaKey()), func() (TableHandler, error) {
			return newAppVersionHandler(m.env, study), nil
		})
	}
	return nil
}

// dispatchMeta sends sub to the study-keyed handler of key, building it on first use
func (m *ExportWorkerManager) dispatchMeta(task *ExportTask, key tableKey, sub *ExportSubtask, create func() (TableHandler, error)) {
	h, err := task.handlers.getOrCreate(key, create)
	if err != nil {
		m.failRecord(task, sub.record.ID, key.TableName(), err)
		return
	}
	m.dispatch(task, h, sub, h.TableName())
}

// submitReshaped sends a converted payload to the health-data handler of key.
// A reshaped subtask never reaches the survey handler again.
func (m *ExportWorkerManager) submitReshaped(ctx context.Context, parent *ExportSubtask, data map[string]any, key model.SchemaKey) error {
	task := parent.task
	if !task.Request.IsTableAllowed(key) {
		return nil
	}
	sub := &ExportSubtask{record: parent.record, task: task, data: data, schemaKey: key, reshaped: true}
	study, err := m.studyInfo(ctx, task, key.StudyID)
	if err != nil {
		m.failRecord(task, parent.record.ID, key.String(), err)
		return nil
	}
	h, err := m.healthDataHandler(ctx, task, study, key)
	if err != nil {
		m.failRecord(task, parent.record.ID, key.String(), err)
		return nil
	}

	f := &future{recordID: parent.record.ID, subtask: sub, table: h.TableName(), dest: healthDataDest(h)}
	task.addFuture(f)
	w := &ExportWorker{handler: h, subtask: sub, result: f}
	run := func() error { return w.Run(task.gctx) }
	// Running inline when the pool is full avoids waiting on a slot held by our own caller
	if !task.group.TryGo(run) {
		return run()
	}
	return nil
}

func (m *ExportWorkerManager) dispatch(task *ExportTask, h Handler, sub *ExportSubtask, table string) {
	f := &future{recordID: sub.record.ID, subtask: sub, table: table, dest: healthDataDest(h)}
	task.addFuture(f)
	w := &ExportWorker{handler: h, subtask: sub, result: f}
	task.group.Go(func() error { return w.Run(task.gctx) })
}

func healthDataDest(h Handler) *model.SchemaKey {
	th, ok := h.(TableHandler)
	if !ok {
		return nil
	}
	key := th.tableKey()
	if key.kind != KindHealthData {
		return nil
	}
	return &key.schema
}

// failRecord records a failure found before any worker ran
func (m *ExportWorkerManager) failRecord(task *ExportTask, recordID, table string, err error) {
	task.addFuture(&future{recordID: recordID, table: table, err: err})
}

// FailRecord marks a record that could not be read as failed for the task
func (m *ExportWorkerManager) FailRecord(task *ExportTask, recordID string, err error) {
	m.failRecord(task, recordID, "", err)
}

func (m *ExportWorkerManager) studyInfo(ctx context.Context, task *ExportTask, studyID string) (*model.StudyInfo, error) {
	return task.studies.getOrCreate(studyID, func() (*model.StudyInfo, error) {
		info, err := m.deps.Studies.GetStudy(ctx, studyID)
		if err != nil {
			return nil, fmt.Errorf("look up study %s: %w", studyID, err)
		}
		if info.SynapseProjectID == "" {
			return nil, fmt.Errorf("%w: %s", ErrStudyNotConfigured, studyID)
		}
		return info, nil
	})
}

func (m *ExportWorkerManager) healthDataHandler(ctx context.Context, task *ExportTask, study *model.StudyInfo, key model.SchemaKey) (TableHandler, error) {
	schema, err := task.schemas.getOrCreate(key, func() (*model.Schema, error) {
		return m.deps.Registry.GetSchema(ctx, key)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve schema %s: %w", key, err)
	}
	return task.handlers.getOrCreate(healthDataKey(key), func() (TableHandler, error) {
		return newHealthDataHandler(m.env, study, schema), nil
	})
}

// EndOfStream waits for every worker, then commits tables, writes status
// rows and publishes redrive requests. A *RestartError means nothing after
// the failing step was attempted and the whole request must be rerun.
func (m *ExportWorkerManager) EndOfStream(ctx context.Context, task *ExportTask) (*model.RunSummary, error) {
	if err := task.group.Wait(); err != nil {
		m.logger.Error("worker hit a restart condition", "run_id", task.RunID, "error", err)
		return nil, asRestart(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := m.drain(ctx, task)
	if err := m.commitTables(ctx, task, outcome); err != nil {
		return nil, err
	}
	outcome.dropCoveredRecords()
	if err := m.writeStatusRows(ctx, task); err != nil {
		return nil, err
	}
	summary := outcome.summary(task)
	if err := m.redrive(ctx, task, outcome, summary); err != nil {
		return summary, err
	}
	m.logger.Info("export task finished", "run_id", task.RunID, "export_date", task.ExportDate,
		"metrics", task.Metrics, "failed_records", len(summary.FailedRecordIDs),
		"failed_tables", len(summary.FailedTables))
	return summary, nil
}

func asRestart(err error) error {
	var re *RestartError
	if errors.As(err, &re) {
		return err
	}
	return &RestartError{Err: err}
}

// stopErr reports why the task no longer accepts records
func (t *ExportTask) stopErr() error {
	if t.gctx.Err() == nil {
		return nil
	}
	cause := context.Cause(t.gctx)
	if IsRestart(cause) {
		return asRestart(cause)
	}
	return cause
}
