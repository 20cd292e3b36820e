package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"gorm.io/gorm"
)

const (
	LedgerReasonDeadlineExceeded     = "deadline_exceeded"
	LedgerReasonDBLockTimeout        = "db_lock_timeout"
	LedgerReasonSerializationFailure = "serialization_failure"
	LedgerReasonUniqueViolation      = "unique_violation"
	LedgerReasonConcurrentUpdate     = "concurrent_update"
	LedgerReasonUnknown              = "unknown"
)

const (
	ConsumeOutcomeCommitted = "committed"
	ConsumeOutcomeRejected  = "rejected"
	ConsumeOutcomeReplayed  = "replayed"
	ConsumeOutcomeError     = "error"
)

const (
	LockResourceSpendableGrants = "spendable_grants"
	LockResourceOutstandingDebt = "outstanding_debt"
)

// LedgerMetrics captures consumption latency and contention signals.
type LedgerMetrics struct {
	consumeDuration *prometheus.HistogramVec
	consumeRetries  *prometheus.CounterVec
	consumeErrors   *prometheus.CounterVec
	lockWait        *prometheus.HistogramVec
	topupLockBusy   prometheus.Counter

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
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	consumeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "credits_consume_duration_seconds",
		Help:        "Latency of a full consume call including optimistic retries.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	consumeRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "credits_consume_retries_total",
		Help:        "Consume attempts retried after a lost update or a retryable storage error.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	consumeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "credits_consume_errors_total",
		Help:        "Consume failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "credits_db_lock_wait_seconds",
		Help:        "Time spent acquiring row locks on ledger tables.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})
	topupLockBusy := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "credits_auto_topup_lock_busy_total",
		Help:        "Auto-topup checks skipped because another check held the account lock.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		consumeDuration,
		consumeRetries,
		consumeErrors,
		lockWait,
		topupLockBusy,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceSpendableGrants: lockWait.WithLabelValues(LockResourceSpendableGrants),
		LockResourceOutstandingDebt: lockWait.WithLabelValues(LockResourceOutstandingDebt),
	}

	return &LedgerMetrics{
		consumeDuration:  consumeDuration,
		consumeRetries:   consumeRetries,
		consumeErrors:    consumeErrors,
		lockWait:         lockWait,
		topupLockBusy:    topupLockBusy,
		lockWaitObserver: lockWaitObserver,
	}
}

// ObserveConsume records the latency of a consume call by outcome.
func (m *LedgerMetrics) ObserveConsume(outcome string, duration time.Duration) {
	if m == nil || m.consumeDuration == nil {
		return
	}
	m.consumeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncConsumeRetry increments the optimistic retry counter.
func (m *LedgerMetrics) IncConsumeRetry(err error) {
	if m == nil || m.consumeRetries == nil {
		return
	}
	m.consumeRetries.WithLabelValues(ClassifyLedgerReason(err)).Inc()
}

// IncConsumeError increments the consume failure counter with classification.
func (m *LedgerMetrics) IncConsumeError(err error) {
	if m == nil || err == nil || m.consumeErrors == nil {
		return
	}
	m.consumeErrors.WithLabelValues(ClassifyLedgerReason(err)).Inc()
}

// ObserveLockWait records lock acquisition latency for a resource.
func (m *LedgerMetrics) ObserveLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	if m.lockWait != nil {
		m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
	}
}

// IncTopupLockBusy counts auto-topup checks skipped on lock contention.
func (m *LedgerMetrics) IncTopupLockBusy() {
	if m == nil || m.topupLockBusy == nil {
		return
	}
	m.topupLockBusy.Inc()
}

// ClassifyLedgerReason maps errors into low-cardinality reason labels.
func ClassifyLedgerReason(err error) string {
	if err == nil {
		return LedgerReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LedgerReasonDeadlineExceeded
	}
	if errors.Is(err, grantdomain.ErrConcurrentModification) {
		return LedgerReasonConcurrentUpdate
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return LedgerReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return LedgerReasonDBLockTimeout
		case "40001", "40P01":
			return LedgerReasonSerializationFailure
		case "23505":
			return LedgerReasonUniqueViolation
		}
	}
	return LedgerReasonUnknown
}
