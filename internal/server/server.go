package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	delegationdomain "github.com/smallbiznis/creditledger/internal/delegation/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	ledgerSvc     ledgerdomain.Service
	grantSvc      grantdomain.Service
	delegationSvc delegationdomain.Service
	topupSvc      autotopupdomain.Service
	auditSvc      auditdomain.Service
	clock         clock.Clock
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	LedgerSvc     ledgerdomain.Service
	GrantSvc      grantdomain.Service
	DelegationSvc delegationdomain.Service
	TopupSvc      autotopupdomain.Service
	AuditSvc      auditdomain.Service
	Clock         clock.Clock `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	svc := &Server{
		engine:        p.Gin,
		ledgerSvc:     p.LedgerSvc,
		grantSvc:      p.GrantSvc,
		delegationSvc: p.DelegationSvc,
		topupSvc:      p.TopupSvc,
		auditSvc:      p.AuditSvc,
		clock:         clk,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(auditActorMiddleware())

	api.POST("/grants", s.ApplyGrant)
	api.POST("/debits", s.Debit)
	api.POST("/delegation/resolve", s.ResolveDelegation)

	accounts := api.Group("/accounts/:account_id")
	accounts.GET("/balance", s.GetBalance)
	accounts.GET("/usage", s.GetUsage)
	accounts.GET("/grants", s.ListGrants)
	accounts.GET("/auto-topup", s.GetAutoTopup)
	accounts.PUT("/auto-topup", s.SaveAutoTopup)
	accounts.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
