package service

import (
	"context"
	"strings"

	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Grants grantdomain.Repository
	Clock  clock.Clock `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	grants grantdomain.Repository
	clock  clock.Clock
}

func NewService(p Params) balancedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("balance.service"),
		grants: p.Grants,
		clock:  clk,
	}
}

// GetBalance reads without locking. Debits re-check coverage inside their own
// transaction, so this view is advisory for planning and display.
func (s *Service) GetBalance(ctx context.Context, accountID string) (balancedomain.Summary, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return balancedomain.Summary{}, grantdomain.ErrInvalidAccount
	}

	now := s.clock.Now()
	remaining, err := s.grants.RemainingByType(ctx, s.db, accountID, now)
	if err != nil {
		return balancedomain.Summary{}, grantdomain.StorageError(err)
	}
	debt, err := s.grants.OutstandingDebt(ctx, s.db, accountID)
	if err != nil {
		return balancedomain.Summary{}, grantdomain.StorageError(err)
	}

	breakdown := grantdomain.ZeroBreakdown()
	var total int64
	for grantType, amount := range remaining {
		breakdown[grantType] += amount
		total += amount
	}

	return balancedomain.Summary{
		AccountID:      accountID,
		TotalRemaining: total,
		TotalDebt:      debt,
		NetBalance:     total - debt,
		Breakdown:      breakdown,
	}, nil
}

func (s *Service) CanAfford(ctx context.Context, accountID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, balancedomain.ErrInvalidAmount
	}
	summary, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return summary.NetBalance >= amount, nil
}
