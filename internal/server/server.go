package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Gegcuk/tokenledger/internal/config"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	obsmiddleware "github.com/Gegcuk/tokenledger/internal/observability/logger"
	obstracing "github.com/Gegcuk/tokenledger/internal/observability/tracing"
	paymentservice "github.com/Gegcuk/tokenledger/internal/payment/service"
	"github.com/Gegcuk/tokenledger/internal/ratelimit"
	subscriptiondomain "github.com/Gegcuk/tokenledger/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware())
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	ledgerSvc  ledgerdomain.Service
	subSvc     subscriptiondomain.Service
	paymentSvc *paymentservice.Service
	limiter    *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	LedgerSvc  ledgerdomain.Service
	SubSvc     subscriptiondomain.Service
	PaymentSvc *paymentservice.Service
	Limiter    *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubSvc,
		paymentSvc: p.PaymentSvc,
		limiter:    p.Limiter,
	}

	s.registerWebhookRoutes()
	s.registerReadRoutes()
	s.registerInternalRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.limiter.WebhookMiddleware(), s.HandleStripeWebhook)
}

func (s *Server) registerReadRoutes() {
	s.engine.GET("/accounts/:id/balance", s.GetBalance)
	s.engine.GET("/accounts/:id/subscription", s.GetSubscriptionStatus)
	s.engine.GET("/reservations/:id", s.GetReservation)
	s.engine.GET("/payments/:sessionId", s.GetPaymentBySessionID)
}

// registerInternalRoutes exposes the reservation lifecycle to the
// token-consuming pipeline. These sit behind the deployment's network
// boundary, not behind end-user auth.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.Use(s.limiter.InternalMiddleware())

	internal.POST("/reservations", s.CreateReservation)
	internal.POST("/reservations/:id/commit", s.CommitReservation)
	internal.POST("/reservations/:id/release", s.ReleaseReservation)
	internal.POST("/reservations/:id/cancel", s.CancelReservation)
	internal.POST("/accounts/:id/adjust", s.AdjustBalance)
}
