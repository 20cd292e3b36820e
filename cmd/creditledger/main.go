package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/audit"
	"github.com/smallbiznis/creditledger/internal/autotopup"
	"github.com/smallbiznis/creditledger/internal/balance"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/consumption"
	"github.com/smallbiznis/creditledger/internal/delegation"
	"github.com/smallbiznis/creditledger/internal/events"
	"github.com/smallbiznis/creditledger/internal/grant"
	"github.com/smallbiznis/creditledger/internal/ledger"
	"github.com/smallbiznis/creditledger/internal/lock"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/observability"
	"github.com/smallbiznis/creditledger/internal/payment"
	"github.com/smallbiznis/creditledger/internal/server"
	"github.com/smallbiznis/creditledger/internal/usage"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		lock.Module,
		events.Module,
		payment.Module,

		// Functional Domains
		audit.Module,
		grant.Module,
		consumption.Module,
		balance.Module,
		delegation.Module,
		autotopup.Module,
		usage.Module,
		ledger.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
