package service

import (
	"context"
	"strings"
	"time"

	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Consumptions consumptiondomain.Repository
	Balances     balancedomain.Service
	Clock        clock.Clock `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	consumptions consumptiondomain.Repository
	balances     balancedomain.Service
	clock        clock.Clock
}

func NewService(p Params) usagedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("usage.service"),
		consumptions: p.Consumptions,
		balances:     p.Balances,
		clock:        clk,
	}
}

func (s *Service) Report(ctx context.Context, accountID string, cycleStart time.Time) (usagedomain.UsageData, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return usagedomain.UsageData{}, grantdomain.ErrInvalidAccount
	}

	if cycleStart.IsZero() {
		cycleStart = monthStart(s.clock.Now())
	}
	cycleStart = cycleStart.UTC()

	used, err := s.consumptions.SumRequestedSince(ctx, s.db, accountID, cycleStart)
	if err != nil {
		return usagedomain.UsageData{}, grantdomain.StorageError(err)
	}
	summary, err := s.balances.GetBalance(ctx, accountID)
	if err != nil {
		return usagedomain.UsageData{}, err
	}

	return usagedomain.UsageData{
		AccountID:      accountID,
		CycleStart:     cycleStart,
		UsageThisCycle: used,
		Balance:        summary,
		NextQuotaReset: cycleStart.AddDate(0, 1, 0),
	}, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
