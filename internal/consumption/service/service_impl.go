package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errRejected rolls back a debit that RequireFull could not cover.
var errRejected = errors.New("consumption rejected")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Grants        grantdomain.Repository
	Repo          consumptiondomain.Repository
	Clock         clock.Clock                `optional:"true"`
	Policy        *config.CreditPolicyHolder `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics        `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics  `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	grants        grantdomain.Repository
	repo          consumptiondomain.Repository
	clock         clock.Clock
	policy        *config.CreditPolicyHolder
	obsMetrics    *obsmetrics.Metrics
	ledgerMetrics *obsmetrics.LedgerMetrics
}

func NewService(p Params) consumptiondomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("consumption.service"),
		genID:         p.GenID,
		grants:        p.Grants,
		repo:          p.Repo,
		clock:         clk,
		policy:        p.Policy,
		obsMetrics:    p.ObsMetrics,
		ledgerMetrics: p.LedgerMetrics,
	}
}

func (s *Service) Consume(ctx context.Context, req consumptiondomain.Request) (consumptiondomain.Result, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return consumptiondomain.Result{}, grantdomain.ErrInvalidAccount
	}
	if req.Amount < 0 {
		return consumptiondomain.Result{}, consumptiondomain.ErrInvalidAmount
	}
	if req.Amount == 0 {
		return consumptiondomain.Result{
			AccountID: accountID,
			Breakdown: grantdomain.ZeroBreakdown(),
			Plan:      []consumptiondomain.Draw{},
			Committed: true,
		}, nil
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if res, ok, err := s.replay(ctx, accountID, key); err != nil || ok {
			if ok {
				s.ledgerMetrics.ObserveConsume(obsmetrics.ConsumeOutcomeReplayed, 0)
			}
			return res, err
		}
	}

	maxAttempts := s.policy.Get().MaxConsumeAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		res, err := s.attempt(ctx, accountID, req.Amount, req.RequireFull, key)
		switch {
		case err == nil:
			s.observe(ctx, res, time.Since(start))
			return res, nil
		case (errors.Is(err, grantdomain.ErrConcurrentModification) || pkgdb.IsRetryable(err)) && attempt < maxAttempts:
			s.ledgerMetrics.IncConsumeRetry(err)
			logger.WithContext(ctx, s.log).Debug("consume hit a retryable conflict, retrying",
				zap.String("account_id", accountID),
				zap.Int("attempt", attempt),
			)
			continue
		case key != "" && pkgdb.IsDuplicateKeyErr(err):
			// A concurrent call with the same key committed first.
			if res, ok, rerr := s.replay(ctx, accountID, key); rerr == nil && ok {
				s.ledgerMetrics.ObserveConsume(obsmetrics.ConsumeOutcomeReplayed, time.Since(start))
				return res, nil
			}
		}

		s.ledgerMetrics.IncConsumeError(err)
		s.ledgerMetrics.ObserveConsume(obsmetrics.ConsumeOutcomeError, time.Since(start))
		logger.WithContext(ctx, s.log).Warn("consume failed",
			zap.String("account_id", accountID),
			zap.Int64("amount", req.Amount),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return consumptiondomain.Result{}, grantdomain.StorageError(err)
	}
}

// attempt runs one lock-plan-decrement transaction.
func (s *Service) attempt(ctx context.Context, accountID string, amount int64, requireFull bool, key string) (consumptiondomain.Result, error) {
	now := s.clock.Now().UTC()

	var result consumptiondomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		grants, err := s.grants.LockSpendable(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		s.ledgerMetrics.ObserveLockWait(obsmetrics.LockResourceSpendableGrants, time.Since(lockStart))

		plan := consumptiondomain.BuildPlan(grants, amount, now)
		if requireFull && plan.Shortfall > 0 {
			result = consumptiondomain.Result{
				AccountID: accountID,
				Requested: amount,
				Shortfall: plan.Shortfall,
				Breakdown: grantdomain.ZeroBreakdown(),
				Plan:      []consumptiondomain.Draw{},
				Committed: false,
			}
			return errRejected
		}

		for _, draw := range plan.Draws {
			ok, err := s.grants.Decrement(ctx, tx, draw.OperationID, draw.Amount)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("decrement %s: %w", draw.OperationID, grantdomain.ErrConcurrentModification)
			}
		}

		consumptionID := s.genID.Generate()
		if plan.Shortfall > 0 {
			if err := s.grants.InsertDebt(ctx, tx, &grantdomain.Debt{
				ID:            s.genID.Generate(),
				AccountID:     accountID,
				ConsumptionID: consumptionID,
				Amount:        plan.Shortfall,
				Outstanding:   plan.Shortfall,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}

		record, err := newRecord(consumptionID, accountID, key, amount, plan, now)
		if err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, record); err != nil {
			return err
		}

		result = consumptiondomain.Result{
			ConsumptionID: consumptionID,
			AccountID:     accountID,
			Requested:     amount,
			Consumed:      plan.Consumed,
			Shortfall:     plan.Shortfall,
			Breakdown:     plan.Breakdown,
			Plan:          plan.Draws,
			Committed:     true,
			DebtRecorded:  plan.Shortfall,
		}
		return nil
	})
	if errors.Is(err, errRejected) {
		return result, nil
	}
	if err != nil {
		return consumptiondomain.Result{}, err
	}
	return result, nil
}

func (s *Service) replay(ctx context.Context, accountID, key string) (consumptiondomain.Result, bool, error) {
	record, err := s.repo.FindByIdempotencyKey(ctx, s.db, accountID, key)
	if err != nil {
		return consumptiondomain.Result{}, false, grantdomain.StorageError(err)
	}
	if record == nil {
		return consumptiondomain.Result{}, false, nil
	}

	res, err := resultFromRecord(record)
	if err != nil {
		return consumptiondomain.Result{}, false, err
	}
	logger.WithContext(ctx, s.log).Info("consume replayed from idempotency key",
		zap.String("account_id", accountID),
		zap.String("idempotency_key", key),
		zap.String("consumption_id", record.ID.String()),
	)
	return res, true, nil
}

func (s *Service) observe(ctx context.Context, res consumptiondomain.Result, elapsed time.Duration) {
	if !res.Committed {
		s.ledgerMetrics.ObserveConsume(obsmetrics.ConsumeOutcomeRejected, elapsed)
		s.obsMetrics.RecordShortfall(ctx, obsmetrics.ConsumeOutcomeRejected, res.Shortfall)
		logger.WithContext(ctx, s.log).Info("consume rejected for insufficient credits",
			zap.String("account_id", res.AccountID),
			zap.Int64("requested", res.Requested),
			zap.Int64("shortfall", res.Shortfall),
		)
		return
	}

	s.ledgerMetrics.ObserveConsume(obsmetrics.ConsumeOutcomeCommitted, elapsed)
	for grantType, amount := range res.Breakdown {
		s.obsMetrics.RecordConsumed(ctx, string(grantType), amount)
	}
	s.obsMetrics.RecordShortfall(ctx, "debt", res.DebtRecorded)
	logger.WithContext(ctx, s.log).Debug("credits consumed",
		zap.String("account_id", res.AccountID),
		zap.String("consumption_id", res.ConsumptionID.String()),
		zap.Int64("requested", res.Requested),
		zap.Int64("consumed", res.Consumed),
		zap.Int64("shortfall", res.Shortfall),
	)
}

func newRecord(id snowflake.ID, accountID, key string, amount int64, plan consumptiondomain.Plan, now time.Time) (*consumptiondomain.Consumption, error) {
	breakdown, err := json.Marshal(plan.Breakdown)
	if err != nil {
		return nil, err
	}
	draws, err := json.Marshal(plan.Draws)
	if err != nil {
		return nil, err
	}

	record := &consumptiondomain.Consumption{
		ID:           id,
		AccountID:    accountID,
		Requested:    amount,
		Consumed:     plan.Consumed,
		Shortfall:    plan.Shortfall,
		DebtRecorded: plan.Shortfall,
		Breakdown:    datatypes.JSON(breakdown),
		Plan:         datatypes.JSON(draws),
		CreatedAt:    now,
	}
	if key != "" {
		record.IdempotencyKey = &key
	}
	return record, nil
}

func resultFromRecord(record *consumptiondomain.Consumption) (consumptiondomain.Result, error) {
	breakdown := grantdomain.ZeroBreakdown()
	if len(record.Breakdown) > 0 {
		stored := map[grantdomain.GrantType]int64{}
		if err := json.Unmarshal(record.Breakdown, &stored); err != nil {
			return consumptiondomain.Result{}, fmt.Errorf("%w: %w", consumptiondomain.ErrConsumptionCorrupt, err)
		}
		for grantType, amount := range stored {
			breakdown[grantType] = amount
		}
	}

	draws := []consumptiondomain.Draw{}
	if len(record.Plan) > 0 {
		if err := json.Unmarshal(record.Plan, &draws); err != nil {
			return consumptiondomain.Result{}, fmt.Errorf("%w: %w", consumptiondomain.ErrConsumptionCorrupt, err)
		}
	}

	return consumptiondomain.Result{
		ConsumptionID: record.ID,
		AccountID:     record.AccountID,
		Requested:     record.Requested,
		Consumed:      record.Consumed,
		Shortfall:     record.Shortfall,
		Breakdown:     breakdown,
		Plan:          draws,
		Committed:     true,
		DebtRecorded:  record.DebtRecorded,
		Replayed:      true,
	}, nil
}
