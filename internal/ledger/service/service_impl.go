package service

import (
	"context"
	"time"

	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	delegationdomain "github.com/smallbiznis/creditledger/internal/delegation/domain"
	"github.com/smallbiznis/creditledger/internal/events"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "github.com/smallbiznis/creditledger/internal/ledger"

type Params struct {
	fx.In

	Log          *zap.Logger
	Grants       grantdomain.Service
	Consumptions consumptiondomain.Service
	Balances     balancedomain.Service
	Delegation   delegationdomain.Service
	Topups       autotopupdomain.Service
	Usage        usagedomain.Service
	Publisher    events.Publisher    `optional:"true"`
	Audit        auditdomain.Service `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	tracer       trace.Tracer
	grants       grantdomain.Service
	consumptions consumptiondomain.Service
	balances     balancedomain.Service
	delegation   delegationdomain.Service
	topups       autotopupdomain.Service
	usage        usagedomain.Service
	publisher    events.Publisher
	audit        auditdomain.Service
}

func NewService(p Params) ledgerdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		log:          p.Log.Named("ledger.service"),
		tracer:       otel.Tracer(tracerName),
		grants:       p.Grants,
		consumptions: p.Consumptions,
		balances:     p.Balances,
		delegation:   p.Delegation,
		topups:       p.Topups,
		usage:        p.Usage,
		publisher:    publisher,
		audit:        p.Audit,
	}
}

func (s *Service) ApplyGrant(ctx context.Context, req grantdomain.ApplyGrantRequest) (grantdomain.ApplyGrantResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.ApplyGrant", trace.WithAttributes(
		attribute.String("operation_id", req.OperationID),
		attribute.String("account_id", req.AccountID),
		attribute.String("grant_type", string(req.Type)),
	))
	defer span.End()

	result, err := s.grants.ApplyGrant(ctx, req)
	if err != nil {
		recordError(span, err)
		return grantdomain.ApplyGrantResult{}, err
	}
	span.SetAttributes(attribute.Bool("applied", result.Applied))

	if result.Applied {
		s.publish(ctx, events.Event{
			Type:      events.TypeGrantApplied,
			AccountID: result.Grant.AccountID,
			Payload: map[string]any{
				"operation_id": result.Grant.OperationID,
				"account_type": string(result.Grant.AccountType),
				"grant_type":   string(result.Grant.Type),
				"principal":    result.Grant.Principal,
				"balance":      result.Grant.Balance,
				"debt_settled": result.DebtSettled,
			},
		})
		s.auditGrant(ctx, result)
	}
	return result, nil
}

// Debit resolves the account to charge, consumes from it, and then gives
// auto-topup a chance to refill it. An ambiguous resolution returns without
// consuming so the caller can ask the user to pick an account.
func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (ledgerdomain.DebitResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Debit", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("organization_id", req.OrganizationID),
		attribute.Int64("amount", req.Amount),
	))
	defer span.End()

	if req.Amount < 0 {
		recordError(span, consumptiondomain.ErrInvalidAmount)
		return ledgerdomain.DebitResult{}, consumptiondomain.ErrInvalidAmount
	}

	resolution, err := s.delegation.ResolveAccount(ctx, delegationdomain.Request{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
		Override:       req.Override,
	})
	if err != nil {
		recordError(span, err)
		return ledgerdomain.DebitResult{}, err
	}
	span.SetAttributes(
		attribute.String("charged_account_id", resolution.ChargedAccountID),
		attribute.Bool("requires_override", resolution.RequiresOverride),
	)
	ctx = logger.ContextWithAccountID(ctx, resolution.ChargedAccountID)

	result := ledgerdomain.DebitResult{Resolution: resolution}
	if resolution.RequiresOverride {
		logger.WithContext(ctx, s.log).Info("debit needs an explicit account choice",
			zap.String("user_id", req.UserID),
			zap.String("organization_id", req.OrganizationID),
			zap.Int64("amount", req.Amount),
		)
		result.Balance, err = s.balances.GetBalance(ctx, resolution.ChargedAccountID)
		if err != nil {
			recordError(span, err)
			return ledgerdomain.DebitResult{}, err
		}
		return result, nil
	}

	consumed, err := s.consumptions.Consume(ctx, consumptiondomain.Request{
		AccountID:      resolution.ChargedAccountID,
		Amount:         req.Amount,
		RequireFull:    req.RequireFull,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		recordError(span, err)
		return ledgerdomain.DebitResult{}, err
	}
	result.Consumption = &consumed
	span.SetAttributes(
		attribute.Int64("consumed", consumed.Consumed),
		attribute.Int64("shortfall", consumed.Shortfall),
		attribute.Bool("committed", consumed.Committed),
	)

	if consumed.Committed && !consumed.Replayed && consumed.Requested > 0 {
		s.publishConsumption(ctx, consumed)

		topup, err := s.topups.MaybeTopup(ctx, resolution.ChargedAccountID)
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("auto-topup after debit failed",
				zap.String("account_id", resolution.ChargedAccountID),
				zap.Error(err),
			)
			result.TopupError = err.Error()
		}
		if err == nil || topup.Reason != "" {
			result.Topup = &topup
		}
	}

	result.Balance, err = s.balances.GetBalance(ctx, resolution.ChargedAccountID)
	if err != nil {
		recordError(span, err)
		return ledgerdomain.DebitResult{}, err
	}
	return result, nil
}

func (s *Service) publishConsumption(ctx context.Context, consumed consumptiondomain.Result) {
	breakdown := make(map[string]any, len(consumed.Breakdown))
	for grantType, amount := range consumed.Breakdown {
		breakdown[string(grantType)] = amount
	}
	consumptionID := consumed.ConsumptionID.String()

	s.publish(ctx, events.Event{
		Type:      events.TypeCreditsConsumed,
		AccountID: consumed.AccountID,
		Payload: map[string]any{
			"consumption_id": consumptionID,
			"requested":      consumed.Requested,
			"consumed":       consumed.Consumed,
			"shortfall":      consumed.Shortfall,
			"breakdown":      breakdown,
		},
	})
	if consumed.DebtRecorded > 0 {
		s.publish(ctx, events.Event{
			Type:      events.TypeCreditsDebtRecorded,
			AccountID: consumed.AccountID,
			Payload: map[string]any{
				"consumption_id": consumptionID,
				"amount":         consumed.DebtRecorded,
			},
		})
	}
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (balancedomain.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.GetBalance", trace.WithAttributes(
		attribute.String("account_id", accountID),
	))
	defer span.End()

	summary, err := s.balances.GetBalance(ctx, accountID)
	if err != nil {
		recordError(span, err)
	}
	return summary, err
}

func (s *Service) Usage(ctx context.Context, accountID string, cycleStart time.Time) (usagedomain.UsageData, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Usage", trace.WithAttributes(
		attribute.String("account_id", accountID),
	))
	defer span.End()

	report, err := s.usage.Report(ctx, accountID, cycleStart)
	if err != nil {
		recordError(span, err)
	}
	return report, err
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to publish event", zap.String("event_type", evt.Type), zap.Error(err))
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// auditGrant records admin and organization grants.
func (s *Service) auditGrant(ctx context.Context, result grantdomain.ApplyGrantResult) {
	if s.audit == nil || result.Grant == nil {
		return
	}
	switch result.Grant.Type {
	case grantdomain.GrantTypeAdmin, grantdomain.GrantTypeOrganization:
	default:
		return
	}

	err := s.audit.Record(ctx, auditdomain.Entry{
		AccountID:  result.Grant.AccountID,
		Action:     auditdomain.ActionGrantApplied,
		TargetType: auditdomain.TargetTypeGrant,
		TargetID:   result.Grant.OperationID,
		Metadata: map[string]any{
			"grant_type":   string(result.Grant.Type),
			"principal":    result.Grant.Principal,
			"description":  result.Grant.Description,
			"debt_settled": result.DebtSettled,
		},
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to write grant audit log",
			zap.String("operation_id", result.Grant.OperationID),
			zap.Error(err),
		)
	}
}
