package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bridge-exporter/internal/model"
	"bridge-exporter/pkg/utils"
)

// Runner drives one export request from record selection to end of stream
type Runner struct {
	manager  *ExportWorkerManager
	records  RecordReader
	blobs    BlobStore
	runs     RunTracker
	output   *utils.OutputManager
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner wires a runner. location decides the export date of requests
// that carry no date.
func NewRunner(manager *ExportWorkerManager, records RecordReader, blobs BlobStore, runs RunTracker, output *utils.OutputManager, location *time.Location, logger *slog.Logger) *Runner {
	if location == nil {
		location = time.UTC
	}
	return &Runner{
		manager:  manager,
		records:  records,
		blobs:    blobs,
		runs:     runs,
		output:   output,
		location: location,
		now:      manager.deps.Now,
		logger:   logger,
	}
}

// HandleRequest runs a queued request under a fresh run id
func (r *Runner) HandleRequest(ctx context.Context, req model.ExportRequest) error {
	runID := uuid.NewString()
	if r.runs != nil {
		now := r.now()
		run := model.ExportRun{ID: runID, Request: req, Status: model.RunStatusPending, CreatedAt: now, UpdatedAt: now}
		if err := r.runs.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
	}
	return r.Execute(ctx, runID, req)
}

// Execute runs an already tracked run. A restart is not an error for the
// caller: the request is published again after the redrive delay.
func (r *Runner) Execute(ctx context.Context, runID string, req model.ExportRequest) error {
	_, err := r.Run(ctx, runID, req)
	if err == nil {
		return nil
	}
	if IsRestart(err) {
		r.logger.Warn("export restart requested, republishing", "run_id", runID, "error", err)
		if pubErr := r.manager.Republish(ctx, req); pubErr != nil {
			return fmt.Errorf("republish restarted request: %w", pubErr)
		}
		return nil
	}
	return err
}

// Run exports everything the request selects. The returned error is a
// *RestartError when the destination asked us to come back later.
func (r *Runner) Run(ctx context.Context, runID string, req model.ExportRequest) (summary *model.RunSummary, err error) {
	start := r.now()
	logger := r.logger.With("run_id", runID)
	logger.Info("starting export run", "tag", req.Tag, "date", req.Date,
		"record_override", req.RecordIDBlobOverride, "tables", len(req.TableWhitelist),
		"redrive_count", req.RedriveCount)

	r.setStatus(ctx, runID, model.RunStatusRunning)
	defer func() {
		status := model.RunStatusCompleted
		switch {
		case err != nil && IsRestart(err):
			status = model.RunStatusRestart
		case err != nil:
			status = model.RunStatusFailed
			r.saveError(ctx, runID, err)
		}
		r.setStatus(ctx, runID, status)
		ObserveRun(status, r.now().Sub(start).Seconds())
		logger.Info("export run finished", "status", status, "duration", r.now().Sub(start), "error", err)
	}()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid export request: %w", err)
	}

	tmpDir, err := r.output.CreateRunDir(runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if left, _ := r.output.LeftoverFiles(runID); len(left) > 0 {
			logger.Warn("discarding uncommitted table files", "files", left)
		}
		if rmErr := r.output.RemoveRunDir(runID); rmErr != nil {
			logger.Warn("failed to remove run directory", "dir", tmpDir, "error", rmErr)
		}
	}()

	exportDate := req.Date
	if exportDate == "" {
		exportDate = r.now().In(r.location).Format(model.DateLayout)
	}

	ids, err := r.recordIDs(ctx, &req)
	if err != nil {
		return nil, err
	}

	task := r.manager.NewTask(ctx, runID, req, exportDate, tmpDir)
	for _, id := range ids {
		record, getErr := r.records.GetRecord(ctx, id)
		if getErr != nil {
			if errors.Is(getErr, model.ErrRecordNotFound) {
				logger.Warn("record not found, skipping", "record_id", id)
				continue
			}
			r.manager.FailRecord(task, id, fmt.Errorf("get record %s: %w", id, getErr))
			continue
		}
		if reason := skipReason(&req, record); reason != "" {
			task.Metrics.incFiltered(reason)
			continue
		}
		if submitErr := r.manager.Submit(ctx, task, record); submitErr != nil {
			logger.Warn("stopped submitting records", "error", submitErr)
			break
		}
	}

	return r.manager.EndOfStream(ctx, task)
}

func (r *Runner) setStatus(ctx context.Context, runID, status string) {
	if r.runs == nil {
		return
	}
	if err := r.runs.UpdateRunStatus(ctx, runID, status); err != nil {
		r.logger.Warn("failed to update run status", "run_id", runID, "status", status, "error", err)
	}
}

func (r *Runner) saveError(ctx context.Context, runID string, err error) {
	if r.runs == nil {
		return
	}
	runErr := model.RunError{
		RunID:     runID,
		Scope:     "run",
		Message:   err.Error(),
		Retryable: Classify(err) != ClassNonRetryable,
		CreatedAt: r.now(),
	}
	if saveErr := r.runs.SaveRunError(ctx, runErr); saveErr != nil {
		r.logger.Warn("failed to save run error", "run_id", runID, "error", saveErr)
	}
}
