package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bridge-exporter/internal/model"
	"bridge-exporter/internal/store"
)

const runsPrefix = "/api/v1/runs/"

// RunStore is the run tracking the API reads and writes
type RunStore interface {
	CreateRun(ctx context.Context, run model.ExportRun) error
	GetRun(ctx context.Context, runID string) (*model.ExportRun, error)
	ListRuns(ctx context.Context) ([]model.ExportRun, error)
	ListRunErrors(ctx context.Context, runID string) ([]model.RunError, error)
}

// RunExecutor executes a tracked run
type RunExecutor interface {
	Execute(ctx context.Context, runID string, req model.ExportRequest) error
}

// RunHandler serves the export run API
type RunHandler struct {
	runs     RunStore
	executor RunExecutor
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRunHandler builds the handler. timeout bounds each background run.
func NewRunHandler(runs RunStore, executor RunExecutor, timeout time.Duration, logger *slog.Logger) *RunHandler {
	return &RunHandler{runs: runs, executor: executor, timeout: timeout, logger: logger}
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateRunResponse acknowledges a started run
type CreateRunResponse struct {
	RunID     string    `json:"runId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunErrorsResponse lists a run's errors
type RunErrorsResponse struct {
	RunID  string           `json:"runId"`
	Errors []model.RunError `json:"errors"`
	Count  int              `json:"count"`
}

// CreateRun starts an export run
// @Summary Start an export run
// @Description Validate the export request, record a pending run and execute it in the background
// @Tags runs
// @Accept json
// @Produce json
// @Param request body model.ExportRequest true "Export request"
// @Success 202 {object} CreateRunResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /runs [post]
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	run := model.ExportRun{ID: uuid.NewString(), Request: req, Status: model.RunStatusPending, CreatedAt: now, UpdatedAt: now}
	if err := h.runs.CreateRun(r.Context(), run); err != nil {
		h.logger.Error("failed to save run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save run")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.executor.Execute(ctx, run.ID, req); err != nil {
			h.logger.Error("export run failed", "run_id", run.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, CreateRunResponse{RunID: run.ID, Status: run.Status, CreatedAt: now})
}

// ListRuns lists export runs
// @Summary List export runs
// @Description List all export runs, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} model.ExportRun
// @Failure 500 {object} ErrorResponse
// @Router /runs [get]
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context())
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one export run
// @Summary Get export run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.ExportRun
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /runs/{id} [get]
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(r.URL.Path, "")
	if !ok {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunErrors lists the errors recorded against a run
// @Summary Get export run errors
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} RunErrorsResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /runs/{id}/errors [get]
func (h *RunHandler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(r.URL.Path, "/errors")
	if !ok {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	runErrors, err := h.runs.ListRunErrors(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve errors")
		return
	}
	writeJSON(w, http.StatusOK, RunErrorsResponse{RunID: runID, Errors: runErrors, Count: len(runErrors)})
}

func runIDFromPath(path, suffix string) (string, bool) {
	if !strings.HasPrefix(path, runsPrefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := path[len(runsPrefix) : len(path)-len(suffix)]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
