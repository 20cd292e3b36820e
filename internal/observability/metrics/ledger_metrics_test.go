package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"gorm.io/gorm"
)

func TestClassifyLedgerReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: LedgerReasonDeadlineExceeded,
		},
		{
			name: "concurrent_update",
			err:  fmt.Errorf("decrement grant: %w", grantdomain.ErrConcurrentModification),
			want: LedgerReasonConcurrentUpdate,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: LedgerReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: LedgerReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: LedgerReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: LedgerReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyLedgerReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestLedgerMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newLedgerMetrics(registry, Config{ServiceName: "creditledger", Environment: "test"})

	m.IncConsumeRetry(grantdomain.ErrConcurrentModification)
	m.IncConsumeRetry(grantdomain.ErrConcurrentModification)
	m.IncConsumeError(&pgconn.PgError{Code: "40001"})
	m.IncTopupLockBusy()
	m.ObserveConsume(ConsumeOutcomeCommitted, 20*time.Millisecond)
	m.ObserveLockWait(LockResourceSpendableGrants, time.Millisecond)

	if got := testutil.ToFloat64(m.consumeRetries.WithLabelValues(LedgerReasonConcurrentUpdate)); got != 2 {
		t.Fatalf("expected 2 retries, got %v", got)
	}
	if got := testutil.ToFloat64(m.consumeErrors.WithLabelValues(LedgerReasonSerializationFailure)); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.topupLockBusy); got != 1 {
		t.Fatalf("expected 1 lock busy, got %v", got)
	}
	if got := testutil.CollectAndCount(m.consumeDuration); got != 1 {
		t.Fatalf("expected 1 consume duration series, got %d", got)
	}
}

func TestNilLedgerMetricsIsSafe(t *testing.T) {
	var m *LedgerMetrics
	m.IncConsumeRetry(grantdomain.ErrConcurrentModification)
	m.IncConsumeError(errors.New("boom"))
	m.IncTopupLockBusy()
	m.ObserveConsume(ConsumeOutcomeError, time.Second)
	m.ObserveLockWait(LockResourceOutstandingDebt, time.Second)
}
