package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/audit/masking"
	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/events"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"github.com/smallbiznis/creditledger/internal/lock"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	topupOutcomeSucceeded = "succeeded"
	topupOutcomeDeclined  = "declined"
	topupOutcomePending   = "pending"
	topupOutcomeError     = "error"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Repo          autotopupdomain.Repository
	Grants        grantdomain.Service
	Balances      balancedomain.Service
	Locker        lock.Locker
	Provider      paymentdomain.Provider
	Publisher     events.Publisher           `optional:"true"`
	Audit         auditdomain.Service        `optional:"true"`
	Clock         clock.Clock                `optional:"true"`
	Policy        *config.CreditPolicyHolder `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics        `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics  `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	repo          autotopupdomain.Repository
	grants        grantdomain.Service
	balances      balancedomain.Service
	locker        lock.Locker
	provider      paymentdomain.Provider
	publisher     events.Publisher
	audit         auditdomain.Service
	clock         clock.Clock
	policy        *config.CreditPolicyHolder
	obsMetrics    *obsmetrics.Metrics
	ledgerMetrics *obsmetrics.LedgerMetrics
}

func NewService(p Params) autotopupdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("autotopup.service"),
		repo:          p.Repo,
		grants:        p.Grants,
		balances:      p.Balances,
		locker:        p.Locker,
		provider:      p.Provider,
		publisher:     publisher,
		audit:         p.Audit,
		clock:         clk,
		policy:        p.Policy,
		obsMetrics:    p.ObsMetrics,
		ledgerMetrics: p.LedgerMetrics,
	}
}

func lockKey(accountID string) string {
	return "credits:autotopup:lock:" + accountID
}

// MaybeTopup charges the account's saved payment method and issues a purchase
// grant when its net balance sits below the configured threshold. At most one
// charge happens per account per minute window.
func (s *Service) MaybeTopup(ctx context.Context, accountID string) (autotopupdomain.Result, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return autotopupdomain.Result{}, grantdomain.ErrInvalidAccount
	}

	settings, err := s.repo.Find(ctx, s.db, accountID)
	if err != nil {
		return autotopupdomain.Result{}, grantdomain.StorageError(err)
	}
	if settings == nil || !settings.Enabled {
		return autotopupdomain.Result{Reason: autotopupdomain.ReasonDisabled}, nil
	}
	if settings.Blocked() {
		return autotopupdomain.Result{Reason: autotopupdomain.ReasonBlocked, FailureReason: *settings.BlockedReason}, nil
	}

	below, err := s.belowThreshold(ctx, settings)
	if err != nil {
		return autotopupdomain.Result{}, err
	}
	if !below {
		return autotopupdomain.Result{Reason: autotopupdomain.ReasonAboveThreshold}, nil
	}

	policy := s.policy.Get().AutoTopup
	key := lockKey(accountID)
	token, ok, err := s.locker.TryLock(ctx, key, policy.LockTTL)
	if err != nil {
		return autotopupdomain.Result{}, fmt.Errorf("acquire topup lock: %w", err)
	}
	if !ok {
		s.ledgerMetrics.IncTopupLockBusy()
		logger.WithContext(ctx, s.log).Debug("auto-topup already in flight", zap.String("account_id", accountID))
		return autotopupdomain.Result{Reason: autotopupdomain.ReasonInFlight}, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			logger.WithContext(ctx, s.log).Warn("failed to release topup lock", zap.String("account_id", accountID), zap.Error(err))
		}
	}()

	operationID := grantdomain.MinuteOperationID(autotopupdomain.OperationPrefix, accountID, s.clock.Now())
	existing, err := s.grants.Find(ctx, operationID)
	switch {
	case err == nil:
		return autotopupdomain.Result{Reason: autotopupdomain.ReasonAlreadyApplied, Grant: existing}, nil
	case !errors.Is(err, grantdomain.ErrGrantNotFound):
		return autotopupdomain.Result{}, err
	}

	// Another debit may have topped up between the first check and the lock.
	below, err = s.belowThreshold(ctx, settings)
	if err != nil {
		return autotopupdomain.Result{}, err
	}
	if !below {
		return autotopupdomain.Result{Reason: autotopupdomain.ReasonAboveThreshold}, nil
	}

	credits := policy.ClampAmount(settings.Amount)
	charge, err := s.provider.Charge(ctx, paymentdomain.ChargeRequest{
		AccountID:        accountID,
		AmountCents:      credits * policy.CentsPerCredit,
		CustomerRef:      settings.PaymentCustomerRef,
		PaymentMethodRef: settings.PaymentMethodRef,
		IdempotencyKey:   operationID,
		Description:      fmt.Sprintf("Auto top-up of %d credits", credits),
	})
	if err != nil {
		s.obsMetrics.RecordTopup(ctx, s.provider.Name(), topupOutcomeError)
		logger.WithContext(ctx, s.log).Warn("auto-topup charge failed",
			zap.String("account_id", accountID),
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
		return autotopupdomain.Result{}, fmt.Errorf("%w: %w", autotopupdomain.ErrPaymentUnavailable, err)
	}
	if !charge.Success {
		// Pending charges block the account as well; saving settings lifts it.
		return s.block(ctx, settings, operationID, charge)
	}

	applied, err := s.grants.ApplyGrant(ctx, grantdomain.ApplyGrantRequest{
		OperationID: operationID,
		AccountID:   accountID,
		AccountType: settings.AccountType,
		Type:        grantdomain.GrantTypePurchase,
		Principal:   credits,
		Description: fmt.Sprintf("Auto top-up (%s %s)", s.provider.Name(), charge.ChargeID),
	})
	if err != nil {
		// The charge is keyed by operationID, so a retry in this window
		// replays it instead of charging twice.
		logger.WithContext(ctx, s.log).Error("auto-topup charged but grant not applied",
			zap.String("account_id", accountID),
			zap.String("operation_id", operationID),
			zap.String("charge_id", charge.ChargeID),
			zap.Error(err),
		)
		return autotopupdomain.Result{}, err
	}

	s.obsMetrics.RecordTopup(ctx, s.provider.Name(), topupOutcomeSucceeded)
	result := autotopupdomain.Result{
		Triggered: applied.Applied,
		Reason:    autotopupdomain.ReasonTriggered,
		Grant:     applied.Grant,
		ChargeID:  charge.ChargeID,
	}
	if !applied.Applied {
		result.Reason = autotopupdomain.ReasonAlreadyApplied
		return result, nil
	}

	logger.WithContext(ctx, s.log).Info("auto-topup triggered",
		zap.String("account_id", accountID),
		zap.String("operation_id", operationID),
		zap.String("charge_id", charge.ChargeID),
		zap.Int64("credits", credits),
	)
	s.publish(ctx, events.Event{
		Type:      events.TypeTopupTriggered,
		AccountID: accountID,
		Payload: map[string]any{
			"operation_id": operationID,
			"charge_id":    charge.ChargeID,
			"credits":      credits,
			"amount_cents": credits * policy.CentsPerCredit,
		},
	})
	return result, nil
}

func (s *Service) belowThreshold(ctx context.Context, settings *autotopupdomain.Settings) (bool, error) {
	summary, err := s.balances.GetBalance(ctx, settings.AccountID)
	if err != nil {
		return false, err
	}
	return summary.NetBalance < settings.Threshold, nil
}

func (s *Service) block(ctx context.Context, settings *autotopupdomain.Settings, operationID string, charge paymentdomain.ChargeResult) (autotopupdomain.Result, error) {
	reason := strings.TrimSpace(charge.FailureReason)
	if reason == "" {
		reason = "payment_declined"
	}
	outcome := topupOutcomeDeclined
	if charge.Pending {
		reason = autotopupdomain.ReasonPaymentPending
		outcome = topupOutcomePending
	}

	s.obsMetrics.RecordTopup(ctx, s.provider.Name(), outcome)
	if err := s.repo.Block(ctx, s.db, settings.AccountID, reason, s.clock.Now()); err != nil {
		return autotopupdomain.Result{}, grantdomain.StorageError(err)
	}

	logger.WithContext(ctx, s.log).Warn("auto-topup not settled, account blocked",
		zap.String("account_id", settings.AccountID),
		zap.String("operation_id", operationID),
		zap.String("charge_id", charge.ChargeID),
		zap.String("reason", reason),
	)
	s.record(ctx, auditdomain.Entry{
		AccountID:  settings.AccountID,
		Action:     auditdomain.ActionAutoTopupBlocked,
		TargetType: auditdomain.TargetTypeAutoTopup,
		TargetID:   settings.AccountID,
		Metadata: map[string]any{
			"operation_id": operationID,
			"charge_id":    charge.ChargeID,
			"reason":       reason,
		},
	})
	if charge.Pending {
		return autotopupdomain.Result{
			Reason:        autotopupdomain.ReasonPaymentPending,
			ChargeID:      charge.ChargeID,
			FailureReason: reason,
		}, nil
	}
	s.publish(ctx, events.Event{
		Type:      events.TypeTopupFailed,
		AccountID: settings.AccountID,
		Payload: map[string]any{
			"operation_id": operationID,
			"charge_id":    charge.ChargeID,
			"reason":       reason,
		},
	})

	return autotopupdomain.Result{
		Reason:        autotopupdomain.ReasonPaymentFailed,
		ChargeID:      charge.ChargeID,
		FailureReason: reason,
	}, autotopupdomain.ErrPaymentFailed
}

func (s *Service) record(ctx context.Context, entry auditdomain.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to write audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to publish event", zap.String("event_type", evt.Type), zap.Error(err))
	}
}

// SaveSettings stores the account's auto-topup configuration. Saving clears
// any block left by a declined charge.
func (s *Service) SaveSettings(ctx context.Context, settings autotopupdomain.Settings) (autotopupdomain.Settings, error) {
	settings.AccountID = strings.TrimSpace(settings.AccountID)
	if settings.AccountID == "" {
		return autotopupdomain.Settings{}, grantdomain.ErrInvalidAccount
	}
	accountType, err := grantdomain.ParseAccountType(string(settings.AccountType))
	if err != nil {
		return autotopupdomain.Settings{}, err
	}
	if settings.Threshold < 0 || settings.Amount < 0 {
		return autotopupdomain.Settings{}, autotopupdomain.ErrInvalidSettings
	}
	if settings.Enabled && settings.Amount == 0 {
		return autotopupdomain.Settings{}, autotopupdomain.ErrInvalidSettings
	}

	settings.AccountType = accountType
	if settings.Amount > 0 {
		settings.Amount = s.policy.Get().AutoTopup.ClampAmount(settings.Amount)
	}
	settings.PaymentCustomerRef = strings.TrimSpace(settings.PaymentCustomerRef)
	settings.PaymentMethodRef = strings.TrimSpace(settings.PaymentMethodRef)
	settings.BlockedReason = nil
	settings.BlockedAt = nil
	settings.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo.Upsert(ctx, s.db, &settings); err != nil {
		return autotopupdomain.Settings{}, grantdomain.StorageError(err)
	}

	metadata := map[string]any{
		"enabled":              settings.Enabled,
		"threshold":            settings.Threshold,
		"amount":               settings.Amount,
		"payment_customer_ref": settings.PaymentCustomerRef,
		"payment_method_ref":   settings.PaymentMethodRef,
	}
	masking.MaskKeys(metadata, "payment_customer_ref", "payment_method_ref")
	s.record(ctx, auditdomain.Entry{
		AccountID:  settings.AccountID,
		Action:     auditdomain.ActionAutoTopupSaved,
		TargetType: auditdomain.TargetTypeAutoTopup,
		TargetID:   settings.AccountID,
		Metadata:   metadata,
	})
	return settings, nil
}

func (s *Service) GetSettings(ctx context.Context, accountID string) (*autotopupdomain.Settings, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, grantdomain.ErrInvalidAccount
	}
	settings, err := s.repo.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, grantdomain.StorageError(err)
	}
	return settings, nil
}
