// internal/router/router.go
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/handlers"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/middleware"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/utils"
)

// Services groups what the HTTP layer depends on.
type Services struct {
	Products     *services.ProductService
	Sync         *services.SyncService
	Verification *services.VerificationService
	Scans        *services.ScanService
	Metrics      *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Initialize builds the engine. The rate limiter's cleanup loop runs until ctx is done.
func Initialize(ctx context.Context, svc Services, cfg *config.Config) *gin.Engine {
	productHandler := handlers.NewProductHandler(svc.Products, svc.Sync, svc.Scans)
	verificationHandler := handlers.NewVerificationHandler(svc.Verification)
	adminHandler := handlers.NewAdminHandler(svc.Scans, svc.Sync)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	go limiter.Run(ctx)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(svc.Metrics))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"X-Total-Count", "X-Page", "X-Per-Page", "X-Total-Pages", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		storeStatus := "ok"
		if err := svc.Products.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			storeStatus = err.Error()
		}
		c.JSON(status, gin.H{
			"status":       http.StatusText(status),
			"record_store": storeStatus,
			"ledger":       cfg.Blockchain.Network,
		})
	})

	if cfg.Metrics.Enabled && svc.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(svc.Gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := r.Group("/v1")
	v1.Use(limiter.Middleware())
	{
		products := v1.Group("/products")
		{
			products.GET("", productHandler.GetProducts)
			products.GET("/qr/:qrCode", productHandler.GetProductByQRCode)
			products.PATCH("/scan/:qrCode", productHandler.RecordScan)
			products.GET("/verify/:qrCode", middleware.OptionalAuth(), verificationHandler.VerifyProduct)
			products.GET("/:id", productHandler.GetProduct)

			// Authenticated routes
			protected := products.Group("")
			protected.Use(middleware.AuthRequired())
			{
				protected.POST("", productHandler.CreateProduct)
				protected.GET("/my-products", productHandler.GetMyProducts)
				protected.PATCH("/:id/status", productHandler.UpdateStatus)
				protected.POST("/:id/steps", productHandler.AppendStep)
				protected.POST("/verify/:qrCode/repair", verificationHandler.RepairProduct)
			}
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			admin.GET("/stats", adminHandler.GetStats)
			admin.GET("/blockchain-stats", adminHandler.GetBlockchainStats)
			admin.GET("/operations", adminHandler.GetOperations)
			admin.POST("/operations/:key/replay", adminHandler.ReplayOperation)
		}
	}

	return r
}
