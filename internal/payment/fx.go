package payment

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/payment/adapters"
	"github.com/smallbiznis/creditledger/internal/payment/adapters/stripe"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(
		NewRegistry,
		NewProvider,
	),
)

func NewRegistry() (*adapters.Registry, error) {
	return adapters.NewRegistry(
		stripe.NewFactory(),
	)
}

// NewProvider builds the configured charge provider. A provider without
// credentials is replaced by one that refuses every charge.
func NewProvider(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (domain.Provider, error) {
	provider, err := registry.Resolve(cfg.Payment)
	if errors.Is(err, domain.ErrInvalidConfig) {
		log.Warn("payment provider not configured, auto-topup charges are disabled",
			zap.String("provider", cfg.Payment.Provider),
		)
		return unconfigured{name: cfg.Payment.Provider}, nil
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}

type unconfigured struct {
	name string
}

func (u unconfigured) Name() string { return u.name }

func (u unconfigured) Charge(context.Context, domain.ChargeRequest) (domain.ChargeResult, error) {
	return domain.ChargeResult{}, domain.ErrProviderNotConfigured
}
