package pipeline

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exporter_records_submitted_total",
		Help: "Records submitted to the worker manager",
	})
	recordsFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exporter_records_filtered_total",
		Help: "Records skipped before submission",
	}, []string{"reason"})
	tableRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exporter_table_rows_total",
		Help: "Rows written to table files",
	}, []string{"table"})
	tableRowErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exporter_table_row_errors_total",
		Help: "Subtasks that failed in a table handler",
	}, []string{"table"})
	tableCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exporter_table_commits_total",
		Help: "Table commits by result",
	}, []string{"result"})
	redriveRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exporter_redrive_requests_total",
		Help: "Redrive requests published",
	}, []string{"tag"})
	runDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exporter_run_duration_seconds",
		Help:    "Export run duration by final status",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"status"})
)

// Metrics counts what happened during one task. Counters are safe for
// concurrent use by workers.
type Metrics struct {
	recordsSubmitted atomic.Int64
	recordsFiltered  atomic.Int64
	rowsWritten      atomic.Int64
	rowErrors        atomic.Int64
	tablesCommitted  atomic.Int64
	tableErrors      atomic.Int64

	mu          sync.Mutex
	tableRows   map[string]int64
	tableErrs   map[string]int64
	appVersions map[string]map[string]struct{}
}

// NewMetrics returns zeroed metrics
func NewMetrics() *Metrics {
	return &Metrics{
		tableRows:   make(map[string]int64),
		tableErrs:   make(map[string]int64),
		appVersions: make(map[string]map[string]struct{}),
	}
}

func (m *Metrics) RecordsSubmitted() int64 { return m.recordsSubmitted.Load() }
func (m *Metrics) RecordsFiltered() int64  { return m.recordsFiltered.Load() }
func (m *Metrics) RowsWritten() int64      { return m.rowsWritten.Load() }
func (m *Metrics) RowErrors() int64        { return m.rowErrors.Load() }
func (m *Metrics) TablesCommitted() int64  { return m.tablesCommitted.Load() }
func (m *Metrics) TableErrors() int64      { return m.tableErrors.Load() }

// TableRows returns the rows written for one table
func (m *Metrics) TableRows(table string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tableRows[table]
}

// TableRowErrors returns the failed subtasks for one table
func (m *Metrics) TableRowErrors(table string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tableErrs[table]
}

// AppVersions returns the distinct app versions seen for a study, sorted
func (m *Metrics) AppVersions(studyID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.appVersions[studyID]))
	for v := range m.appVersions[studyID] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (m *Metrics) incSubmitted() {
	m.recordsSubmitted.Add(1)
	recordsSubmittedTotal.Inc()
}

func (m *Metrics) incFiltered(reason string) {
	m.recordsFiltered.Add(1)
	recordsFilteredTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) incTableRow(table string) {
	m.rowsWritten.Add(1)
	m.mu.Lock()
	m.tableRows[table]++
	m.mu.Unlock()
	tableRowsTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) incTableRowError(table string) {
	m.rowErrors.Add(1)
	m.mu.Lock()
	m.tableErrs[table]++
	m.mu.Unlock()
	tableRowErrorsTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) incCommit(ok bool) {
	if ok {
		m.tablesCommitted.Add(1)
		tableCommitsTotal.WithLabelValues("ok").Inc()
		return
	}
	m.tableErrors.Add(1)
	tableCommitsTotal.WithLabelValues("error").Inc()
}

func (m *Metrics) addAppVersion(studyID, version string) {
	if version == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.appVersions[studyID]
	if !ok {
		set = make(map[string]struct{})
		m.appVersions[studyID] = set
	}
	set[version] = struct{}{}
}

// LogValue implements slog.LogValuer
func (m *Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("submitted", m.RecordsSubmitted()),
		slog.Int64("filtered", m.RecordsFiltered()),
		slog.Int64("rows", m.RowsWritten()),
		slog.Int64("row_errors", m.RowErrors()),
		slog.Int64("tables_committed", m.TablesCommitted()),
		slog.Int64("table_errors", m.TableErrors()),
	)
}

// ObserveRun records a finished run's duration in seconds
func ObserveRun(status string, seconds float64) {
	runDurationSeconds.WithLabelValues(status).Observe(seconds)
}
