package domain

import (
	"context"
	"time"

	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
)

// UsageData is the per-account report consumed by reporting UIs.
type UsageData struct {
	AccountID      string                `json:"accountId"`
	CycleStart     time.Time             `json:"cycleStart"`
	UsageThisCycle int64                 `json:"usageThisCycle"`
	Balance        balancedomain.Summary `json:"balance"`
	NextQuotaReset time.Time             `json:"nextQuotaReset"`
}

type Service interface {
	// Report summarizes usage since cycleStart. A zero cycleStart means the
	// start of the current UTC calendar month.
	Report(ctx context.Context, accountID string, cycleStart time.Time) (UsageData, error)
}
