package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/smallbiznis/creditledger/internal/authorization"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/diagnostics"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/payment"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/provider"
	"github.com/smallbiznis/creditledger/internal/usage"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultMaxWebhookBytes = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	payment.Module,
	provider.Module,
	usage.Module,
	diagnostics.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// retiredRoutes answer 410 so stale clients stop retrying.
var retiredRoutes = []string{
	"/api/credits/deduct",
	"/api/admin/add-credits",
	"/api/admin/fix-all-subscriptions",
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           withCORS(cfg.CORSOrigins, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			log.Info("http.server.started", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

func withCORS(origins []string, h http.Handler) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderAccountID, "X-Request-Id"},
		AllowCredentials: true,
	}).Handler(h)
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	paymentSvc     paymentdomain.Service
	usageSvc       usagedomain.Service
	diagnosticsSvc diagnosticsdomain.Service
	authzSvc       authorization.Service
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	PaymentSvc     paymentdomain.Service
	UsageSvc       usagedomain.Service
	DiagnosticsSvc diagnosticsdomain.Service
	AuthzSvc       authorization.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		paymentSvc:     p.PaymentSvc,
		usageSvc:       p.UsageSvc,
		diagnosticsSvc: p.DiagnosticsSvc,
		authzSvc:       p.AuthzSvc,
	}

	svc.registerAPIRoutes()
	svc.registerDiagnosticsRoutes()
	svc.registerRetiredRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment Webhooks --------
	api.POST("/webhooks/payments", s.HandlePaymentWebhook)

	// -------- Generations --------
	api.POST("/generations", s.SubmitGeneration)
	api.GET("/generations/:task_id", s.GetGeneration)
}

func (s *Server) registerDiagnosticsRoutes() {
	diag := s.engine.Group("/api/diagnostics", s.OperatorRequired())

	view := s.authorizeOperator(authorization.ObjectDiagnostics, authorization.ActionView)
	repair := s.authorizeOperator(authorization.ObjectDiagnostics, authorization.ActionRepair)

	diag.GET("/summary", view, s.GetDiagnosticsSummary)
	diag.GET("/anomalies", view, s.ListAnomalies)
	diag.GET("/events", view, s.ListWebhookEvents)
	diag.GET("/accounts/:account_id", view, s.GetAccountReport)
	diag.GET("/accounts/:account_id/statement.pdf", view, s.GetAccountStatement)

	diag.POST("/repair", repair, s.RepairAccount)
	diag.POST("/accounts/:account_id/resync", repair, s.ResyncAccount)
}

func (s *Server) registerRetiredRoutes() {
	for _, path := range retiredRoutes {
		s.engine.POST(path, s.Retired)
	}
}

func (s *Server) Retired(c *gin.Context) {
	AbortWithError(c, ErrRetired)
}
