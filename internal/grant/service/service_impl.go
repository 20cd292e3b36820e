package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       grantdomain.Repository
	Clock      clock.Clock                `optional:"true"`
	Policy     *config.CreditPolicyHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       grantdomain.Repository
	clock      clock.Clock
	policy     *config.CreditPolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) grantdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("grant.service"),
		repo:       p.Repo,
		clock:      clk,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ApplyGrant(ctx context.Context, req grantdomain.ApplyGrantRequest) (grantdomain.ApplyGrantResult, error) {
	grant, err := s.normalize(req)
	if err != nil {
		return grantdomain.ApplyGrantResult{}, err
	}

	settleDebt := s.policy.Get().SettleDebtOnGrant

	var result grantdomain.ApplyGrantResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertIfAbsent(ctx, tx, grant)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByOperationID(ctx, tx, grant.OperationID)
			if err != nil {
				return err
			}
			result = grantdomain.ApplyGrantResult{Applied: false, Grant: existing}
			return nil
		}

		var settled int64
		if settleDebt {
			settled, err = s.settleDebt(ctx, tx, grant)
			if err != nil {
				return err
			}
		}
		result = grantdomain.ApplyGrantResult{Applied: true, Grant: grant, DebtSettled: settled}
		return nil
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("apply grant failed",
			zap.String("operation_id", grant.OperationID),
			zap.String("account_id", grant.AccountID),
			zap.Error(err),
		)
		return grantdomain.ApplyGrantResult{}, grantdomain.StorageError(err)
	}

	s.obsMetrics.RecordGrant(ctx, string(grant.Type), result.Applied, grant.Principal)
	if !result.Applied {
		logger.WithContext(ctx, s.log).Info("grant already applied",
			zap.String("operation_id", grant.OperationID),
			zap.String("account_id", grant.AccountID),
			zap.String("grant_type", string(grant.Type)),
		)
		return result, nil
	}

	logger.WithContext(ctx, s.log).Info("grant applied",
		zap.String("operation_id", grant.OperationID),
		zap.String("account_id", grant.AccountID),
		zap.String("grant_type", string(grant.Type)),
		zap.Int64("principal", grant.Principal),
		zap.Int64("debt_settled", result.DebtSettled),
	)
	return result, nil
}

// settleDebt repays outstanding debt oldest first out of the new grant.
func (s *Service) settleDebt(ctx context.Context, tx *gorm.DB, grant *grantdomain.Grant) (int64, error) {
	debts, err := s.repo.LockOutstandingDebts(ctx, tx, grant.AccountID)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	available := grant.Balance
	var settled int64
	for _, debt := range debts {
		if available == 0 {
			break
		}
		take := min(available, debt.Outstanding)
		ok, err := s.repo.SettleDebt(ctx, tx, debt.ID, debt.Outstanding, take, now)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, grantdomain.ErrConcurrentModification
		}
		available -= take
		settled += take
	}
	if settled == 0 {
		return 0, nil
	}

	ok, err := s.repo.Decrement(ctx, tx, grant.OperationID, settled)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, grantdomain.ErrConcurrentModification
	}
	grant.Balance -= settled
	return settled, nil
}

func (s *Service) normalize(req grantdomain.ApplyGrantRequest) (*grantdomain.Grant, error) {
	operationID := strings.TrimSpace(req.OperationID)
	if operationID == "" {
		return nil, grantdomain.ErrInvalidOperationID
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, grantdomain.ErrInvalidAccount
	}
	accountType, err := grantdomain.ParseAccountType(string(req.AccountType))
	if err != nil {
		return nil, err
	}
	priority, ok := req.Type.Priority()
	if !ok {
		return nil, grantdomain.ErrInvalidGrantType
	}
	if req.Principal <= 0 {
		return nil, grantdomain.ErrInvalidPrincipal
	}

	now := s.clock.Now().UTC()
	var expiresAt *time.Time
	if req.ExpiresAt != nil && !req.ExpiresAt.IsZero() {
		v := req.ExpiresAt.UTC()
		if !v.After(now) {
			return nil, grantdomain.ErrInvalidExpiry
		}
		expiresAt = &v
	}

	return &grantdomain.Grant{
		OperationID: operationID,
		AccountID:   accountID,
		AccountType: accountType,
		Type:        req.Type,
		Priority:    priority,
		Principal:   req.Principal,
		Balance:     req.Principal,
		ExpiresAt:   expiresAt,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   now,
	}, nil
}

func (s *Service) Find(ctx context.Context, operationID string) (*grantdomain.Grant, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return nil, grantdomain.ErrInvalidOperationID
	}
	grant, err := s.repo.FindByOperationID(ctx, s.db, operationID)
	if err != nil {
		return nil, grantdomain.StorageError(err)
	}
	return grant, nil
}

func (s *Service) List(ctx context.Context, req grantdomain.ListGrantsRequest) (grantdomain.ListGrantsResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return grantdomain.ListGrantsResponse{}, grantdomain.ErrInvalidAccount
	}

	before, err := decodePageToken(req.PageToken)
	if err != nil {
		return grantdomain.ListGrantsResponse{}, err
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	grants, err := s.repo.ListByAccount(ctx, s.db, accountID, before, limit+1)
	if err != nil {
		return grantdomain.ListGrantsResponse{}, grantdomain.StorageError(err)
	}

	var encodeErr error
	page, info := pagination.BuildCursorPageInfo(grants, limit, func(g grantdomain.Grant) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        g.OperationID,
			CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			encodeErr = err
		}
		return token
	})
	if encodeErr != nil {
		return grantdomain.ListGrantsResponse{}, encodeErr
	}

	return grantdomain.ListGrantsResponse{
		Grants:        page,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

func decodePageToken(token string) (*grantdomain.Grant, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, grantdomain.ErrInvalidPageToken
	}
	if cursor == nil {
		return nil, nil
	}
	createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
	if err != nil || strings.TrimSpace(cursor.ID) == "" {
		return nil, grantdomain.ErrInvalidPageToken
	}
	return &grantdomain.Grant{OperationID: cursor.ID, CreatedAt: createdAt.UTC()}, nil
}
