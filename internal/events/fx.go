package events

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(New),
)

// New returns an AMQP publisher when a broker is configured and a no-op
// publisher otherwise.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	if !cfg.AMQP.Enabled() {
		log.Info("amqp not configured, ledger events are dropped")
		return NopPublisher{}, nil
	}

	publisher, err := NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}
