package domain

import (
	"context"
	"time"

	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	delegationdomain "github.com/smallbiznis/creditledger/internal/delegation/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
)

// DebitRequest charges Amount credits on behalf of a user acting within an
// optional organization.
type DebitRequest struct {
	UserID         string
	OrganizationID string
	Override       delegationdomain.Override
	Amount         int64
	RequireFull    bool
	IdempotencyKey string
}

// DebitResult reports every stage of a debit. Consumption is nil when the
// charged account could not be chosen without an explicit override.
type DebitResult struct {
	Resolution  delegationdomain.Resolution `json:"resolution"`
	Consumption *consumptiondomain.Result   `json:"consumption,omitempty"`
	Topup       *autotopupdomain.Result     `json:"topup,omitempty"`
	// TopupError carries a topup failure. The debit itself has committed.
	TopupError string                `json:"topupError,omitempty"`
	Balance    balancedomain.Summary `json:"balance"`
}

type Service interface {
	ApplyGrant(ctx context.Context, req grantdomain.ApplyGrantRequest) (grantdomain.ApplyGrantResult, error)
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	GetBalance(ctx context.Context, accountID string) (balancedomain.Summary, error)
	Usage(ctx context.Context, accountID string, cycleStart time.Time) (usagedomain.UsageData, error)
}
