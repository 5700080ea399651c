package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/payauth/internal/authrequest"
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/lock"
	"github.com/smallbiznis/payauth/internal/observability"
	obslogger "github.com/smallbiznis/payauth/internal/observability/logger"
	"github.com/smallbiznis/payauth/internal/observability/tracing"
	"github.com/smallbiznis/payauth/internal/outbox"
	"github.com/smallbiznis/payauth/internal/paymentconfig"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	"github.com/smallbiznis/payauth/internal/processor"
	"github.com/smallbiznis/payauth/internal/queue/queuefx"
	"github.com/smallbiznis/payauth/internal/ratelimit"
	"github.com/smallbiznis/payauth/internal/tokenstore"
	tsservice "github.com/smallbiznis/payauth/internal/tokenstore/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the HTTP surface and everything it serves.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	observability.Module,
	queuefx.Module,
	outbox.Module,
	paymentconfig.Module,
	processor.Module,
	ratelimit.Module,
	lock.Module,
	tokenstore.Module,
	authrequest.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
		s.RegisterTokenRoutes()
		s.RegisterInternalRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(log *zap.Logger, registry *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.RequestIDMiddleware())
	r.Use(obslogger.RequestLogMiddleware(log))
	r.Use(tracing.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
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
	log        *zap.Logger
	authSvc    authdomain.Service
	tokenSvc   *tsservice.Service
	configRepo pcdomain.Repository
	limiter    *ratelimit.AuthorizeLimiter
	locks      *lock.Manager
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	ConfigRepo pcdomain.Repository
	AuthSvc    authdomain.Service          `optional:"true"`
	TokenSvc   *tsservice.Service          `optional:"true"`
	Limiter    *ratelimit.AuthorizeLimiter `optional:"true"`
	Locks      *lock.Manager               `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		authSvc:    p.AuthSvc,
		tokenSvc:   p.TokenSvc,
		configRepo: p.ConfigRepo,
		limiter:    p.Limiter,
		locks:      p.Locks,
	}
}

// RegisterAPIRoutes mounts the merchant-facing authorization endpoints.
func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(s.APIKeyAuth())

	v1.POST("/authorize", s.RateLimit(), s.Authorize)
	v1.GET("/authorize/:id/status", s.GetAuthorization)
	v1.POST("/authorize/:id/void", s.VoidAuthorization)
}

// RegisterTokenRoutes mounts tokenization. Served by the token store role.
func (s *Server) RegisterTokenRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(s.APIKeyAuth())

	v1.POST("/payment-tokens", s.CreateToken)
	v1.GET("/payment-tokens", s.ListTokens)
	v1.GET("/payment-tokens/:id", s.GetToken)
}

// RegisterInternalRoutes mounts signed service-to-service endpoints.
func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal/v1")
	internal.Use(s.ServiceAuth())

	if s.tokenSvc != nil {
		internal.POST("/tokens/:id/decrypt", s.DecryptToken)
	}
	if s.locks != nil {
		internal.GET("/locks/:key", s.GetLockHolder)
	}
}
