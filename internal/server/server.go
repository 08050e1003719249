package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/bookingcore/internal/audit/domain"
	"github.com/smallbiznis/bookingcore/internal/authorization"
	bookingdomain "github.com/smallbiznis/bookingcore/internal/booking/domain"
	"github.com/smallbiznis/bookingcore/internal/config"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	"github.com/smallbiznis/bookingcore/internal/observability"
	obsmiddleware "github.com/smallbiznis/bookingcore/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	obstracing "github.com/smallbiznis/bookingcore/internal/observability/tracing"
	"github.com/smallbiznis/bookingcore/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	refunddomain "github.com/smallbiznis/bookingcore/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					panic(err)
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

type Params struct {
	fx.In

	Engine            *gin.Engine
	Log               *zap.Logger
	BookingSvc        bookingdomain.Service
	RefundSvc         refunddomain.Service
	LedgerSvc         ledgerdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	Authz             authorization.Service
	AuditSvc          auditdomain.Service     `optional:"true"`
	WriteLimiter      *ratelimit.WriteLimiter `optional:"true"`
}

type Server struct {
	engine            *gin.Engine
	log               *zap.Logger
	bookingSvc        bookingdomain.Service
	refundSvc         refunddomain.Service
	ledgerSvc         ledgerdomain.Service
	reconciliationSvc reconciliationdomain.Service
	authz             authorization.Service
	auditSvc          auditdomain.Service
	writeLimiter      *ratelimit.WriteLimiter
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:            p.Engine,
		log:               p.Log.Named("http"),
		bookingSvc:        p.BookingSvc,
		refundSvc:         p.RefundSvc,
		ledgerSvc:         p.LedgerSvc,
		reconciliationSvc: p.ReconciliationSvc,
		authz:             p.Authz,
		auditSvc:          p.AuditSvc,
		writeLimiter:      p.WriteLimiter,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")
	limited := s.writeLimit()

	bookings := api.Group("/bookings")
	bookings.POST("", limited, s.CreateBooking)
	bookings.GET("/:id", s.GetBooking)
	bookings.POST("/:id/transitions", limited, s.TransitionBooking)
	bookings.GET("/:id/history", s.GetBookingHistory)
	bookings.POST("/:id/refunds", limited, s.RefundBooking)
	bookings.GET("/:id/refunds", s.ListBookingRefunds)

	ledger := api.Group("/ledger/:owner_type/:owner_id")
	ledger.GET("/balance", s.GetBalance)
	ledger.GET("/entries", s.ListLedgerEntries)

	reconciliation := api.Group("/reconciliation")
	reconciliation.POST("/run", limited, s.RunReconciliation)
	reconciliation.GET("/intents/:id", s.GetCreditIntent)
	reconciliation.POST("/intents/:id/forfeit", limited, s.ForfeitCreditIntent)

	if s.auditSvc != nil {
		api.GET("/audit-logs", s.ListAuditLogs)
	}
}
