package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mwangiq/escrow-engine/internal/api/handler"
	"github.com/mwangiq/escrow-engine/internal/api/middleware"
	"github.com/mwangiq/escrow-engine/internal/api/spec"
	"github.com/mwangiq/escrow-engine/internal/config"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/mwangiq/escrow-engine/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *pgxpool.Pool
	redis     redis.Cmdable
	svc       *service.EscrowService
	scheduler *worker.Scheduler
}

func NewRouter(cfg *config.Config, logger *zap.Logger, db *pgxpool.Pool, redisClient redis.Cmdable, svc *service.EscrowService, scheduler *worker.Scheduler) *Router {
	return &Router{cfg: cfg, logger: logger, db: db, redis: redisClient, svc: svc, scheduler: scheduler}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	escrowHandler := handler.NewEscrowHandler(api.svc)
	adminHandler := handler.NewAdminHandler(api.svc, api.scheduler)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Post("/v1/escrows", escrowHandler.Create)
		r.Get("/v1/escrows/{id}", escrowHandler.Get)
		r.Get("/v1/escrows/{id}/timeline", escrowHandler.Timeline)
		r.Post("/v1/escrows/{id}/pay", escrowHandler.ConfirmPayment)
		r.Post("/v1/escrows/{id}/ship", escrowHandler.MarkShipped)
		r.Post("/v1/escrows/{id}/delivered", escrowHandler.ConfirmDelivery)
		r.Post("/v1/escrows/{id}/approve", escrowHandler.ApproveRelease)
		r.Post("/v1/escrows/{id}/cancel", escrowHandler.Cancel)
		r.Post("/v1/escrows/{id}/disputes", escrowHandler.FileDispute)
		r.Post("/v1/escrows/{id}/rating", escrowHandler.RateSeller)

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("admin"))

			r.Get("/v1/admin/escrows", adminHandler.ListTransactions)
			r.Post("/v1/admin/escrows/{id}/release", adminHandler.ManualRelease)
			r.Post("/v1/admin/escrows/{id}/refund", adminHandler.ManualRefund)
			r.Post("/v1/admin/escrows/{id}/freeze", adminHandler.Freeze)
			r.Post("/v1/admin/escrows/{id}/retry-payout", adminHandler.RetryPayout)
			r.Post("/v1/admin/disputes/{id}/review", adminHandler.MarkDisputeUnderReview)
			r.Post("/v1/admin/disputes/{id}/resolve", adminHandler.ResolveDispute)
			r.Get("/v1/admin/fraud-flags", adminHandler.ListFraudFlags)
			r.Post("/v1/admin/fraud-flags/{id}/review", adminHandler.ReviewFraudFlag)
			r.Get("/v1/admin/sellers/{id}/stats", adminHandler.SellerStats)
			r.Post("/v1/admin/sweeps/{job}", adminHandler.RunSweep)
		})
	})

	return r
}
