package metrics

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeCreated    = "created"
	OutcomeSuperseded = "superseded"
	OutcomeFailed     = "failed"
)

const (
	LockResourceRow     = "row"
	LockResourceProject = "project"
)

const (
	DBReasonDeadlineExceeded     = "deadline_exceeded"
	DBReasonLockTimeout          = "db_lock_timeout"
	DBReasonSerializationFailure = "serialization_failure"
	DBReasonUniqueViolation      = "unique_violation"
	DBReasonConnectionFailure    = "connection_failure"
	DBReasonUnknown              = "unknown"
)

// LedgerMetrics captures supersede throughput and contention signals.
type LedgerMetrics struct {
	entries          *prometheus.CounterVec
	entryFailures    *prometheus.CounterVec
	supersedeRetries prometheus.Counter
	storeErrors      *prometheus.CounterVec
	lockWait         *prometheus.HistogramVec
	batchDuration    *prometheus.HistogramVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = NewLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// NewLedgerMetrics registers a fresh set of ledger metrics on registerer.
func NewLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabelsFor(cfg)

	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "drawledger_entries_processed_total",
		Help:        "Ledger entries processed by operation and outcome.",
		ConstLabels: constLabels,
	}, []string{"operation", "outcome"})
	entryFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "drawledger_entry_failures_total",
		Help:        "Ledger entry failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"operation", "reason"})
	supersedeRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "drawledger_supersede_retries_total",
		Help:        "Supersede attempts retried after a concurrent head change.",
		ConstLabels: constLabels,
	})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "drawledger_store_errors_total",
		Help:        "Entries lost to storage errors, by operation and database reason.",
		ConstLabels: constLabels,
	}, []string{"operation", "db_reason"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "drawledger_lock_wait_seconds",
		Help:        "Time spent waiting for row and project locks.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})
	batchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "drawledger_batch_duration_seconds",
		Help:        "Ledger batch latency from validation to last project commit.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"operation"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "drawledger_job_runs_total",
		Help:        "Background job runs by type and outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "drawledger_job_duration_seconds",
		Help:        "Background job latency by type.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})

	registerer.MustRegister(
		entries,
		entryFailures,
		supersedeRetries,
		storeErrors,
		lockWait,
		batchDuration,
		jobRuns,
		jobDuration,
	)

	return &LedgerMetrics{
		entries:          entries,
		entryFailures:    entryFailures,
		supersedeRetries: supersedeRetries,
		storeErrors:      storeErrors,
		lockWait:         lockWait,
		batchDuration:    batchDuration,
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		lockWaitObserver: map[string]prometheus.Observer{
			LockResourceRow:     lockWait.WithLabelValues(LockResourceRow),
			LockResourceProject: lockWait.WithLabelValues(LockResourceProject),
		},
	}
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "drawledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// AddEntries increments processed entries for an operation and outcome by count.
func (m *LedgerMetrics) AddEntries(operation, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.entries.WithLabelValues(operation, outcome).Add(float64(count))
}

// IncEntryFailure increments entry failures by reason.
func (m *LedgerMetrics) IncEntryFailure(operation, reason string) {
	if m == nil {
		return
	}
	m.entryFailures.WithLabelValues(operation, reason).Inc()
}

// IncStoreError counts an entry lost to a storage error, labelled by ClassifyDBReason.
func (m *LedgerMetrics) IncStoreError(operation string, err error) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation, ClassifyDBReason(err)).Inc()
}

// IncSupersedeRetry increments the supersede retry counter.
func (m *LedgerMetrics) IncSupersedeRetry() {
	if m == nil {
		return
	}
	m.supersedeRetries.Inc()
}

// ObserveDBLockWait records lock wait time for row and project locks.
func (m *LedgerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ObserveBatchDuration records batch latency in seconds.
func (m *LedgerMetrics) ObserveBatchDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveJob records one job run with its outcome and latency.
func (m *LedgerMetrics) ObserveJob(job, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// ClassifyDBReason maps storage errors to low-cardinality reasons.
func ClassifyDBReason(err error) string {
	if err == nil {
		return DBReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DBReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return DBReasonLockTimeout
	}
	if hasPGCode(err, "40001") || hasPGCode(err, "40P01") {
		return DBReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return DBReasonUniqueViolation
	}
	if errors.Is(err, driver.ErrBadConn) || hasPGClass(err, "08") || hasPGCode(err, "57P01") {
		return DBReasonConnectionFailure
	}
	return DBReasonUnknown
}

func hasPGClass(err error, class string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, class)
	}
	return false
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
