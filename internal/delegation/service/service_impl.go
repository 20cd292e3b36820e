package service

import (
	"context"
	"strings"

	balancedomain "github.com/smallbiznis/creditledger/internal/balance/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	delegationdomain "github.com/smallbiznis/creditledger/internal/delegation/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Balances   balancedomain.Service
	Policy     *config.CreditPolicyHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	balances   balancedomain.Service
	policy     *config.CreditPolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) delegationdomain.Service {
	return &Service{
		log:        p.Log.Named("delegation.service"),
		balances:   p.Balances,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ResolveAccount(ctx context.Context, req delegationdomain.Request) (delegationdomain.Resolution, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return delegationdomain.Resolution{}, delegationdomain.ErrInvalidUser
	}
	orgID := strings.TrimSpace(req.OrganizationID)
	override, err := delegationdomain.ParseOverride(string(req.Override))
	if err != nil {
		return delegationdomain.Resolution{}, err
	}
	if req.Amount < 0 {
		return delegationdomain.Resolution{}, balancedomain.ErrInvalidAmount
	}

	if orgID == "" {
		if override == delegationdomain.OverrideOrganization {
			return delegationdomain.Resolution{}, delegationdomain.ErrInvalidOverride
		}
		res := personal(userID, delegationdomain.ReasonNoOrganization)
		s.record(ctx, res)
		return res, nil
	}

	switch override {
	case delegationdomain.OverridePersonal:
		res := personal(userID, delegationdomain.ReasonOverride)
		s.record(ctx, res)
		return res, nil
	case delegationdomain.OverrideOrganization:
		res := organization(orgID, delegationdomain.ReasonOverride)
		s.record(ctx, res)
		return res, nil
	}

	userBalance, err := s.balances.GetBalance(ctx, userID)
	if err != nil {
		return delegationdomain.Resolution{}, err
	}
	orgBalance, err := s.balances.GetBalance(ctx, orgID)
	if err != nil {
		return delegationdomain.Resolution{}, err
	}

	policy := s.policy.Get().Delegation
	covers := func(net int64) bool {
		return net > policy.LowBalanceFloor && net >= req.Amount
	}

	preferOrg := policy.Mode != config.DelegationModePreferPersonal
	preferredNet, otherNet := orgBalance.NetBalance, userBalance.NetBalance
	if !preferOrg {
		preferredNet, otherNet = otherNet, preferredNet
	}

	var res delegationdomain.Resolution
	switch {
	case covers(preferredNet):
		res = pick(preferOrg, userID, orgID, delegationdomain.ReasonPreferred)
	case covers(otherNet):
		res = pick(!preferOrg, userID, orgID, delegationdomain.ReasonFallback)
	default:
		res = pick(preferOrg, userID, orgID, delegationdomain.ReasonAmbiguous)
		res.RequiresOverride = true
	}
	res.UserBalance = userBalance.NetBalance
	res.OrganizationBalance = orgBalance.NetBalance

	s.record(ctx, res)
	if res.RequiresOverride {
		logger.WithContext(ctx, s.log).Info("delegation requires override",
			zap.String("user_id", userID),
			zap.String("organization_id", orgID),
			zap.Int64("user_balance", res.UserBalance),
			zap.Int64("organization_balance", res.OrganizationBalance),
			zap.Int64("amount", req.Amount),
		)
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, res delegationdomain.Resolution) {
	s.obsMetrics.RecordDelegation(ctx, string(res.ChargedAccountType), res.Reason)
}

func pick(useOrg bool, userID, orgID, reason string) delegationdomain.Resolution {
	if useOrg {
		return organization(orgID, reason)
	}
	return personal(userID, reason)
}

func personal(userID, reason string) delegationdomain.Resolution {
	return delegationdomain.Resolution{
		ChargedAccountID:   userID,
		ChargedAccountType: grantdomain.AccountTypeUser,
		Reason:             reason,
	}
}

func organization(orgID, reason string) delegationdomain.Resolution {
	return delegationdomain.Resolution{
		UseOrganization:    true,
		ChargedAccountID:   orgID,
		ChargedAccountType: grantdomain.AccountTypeOrganization,
		Reason:             reason,
	}
}
