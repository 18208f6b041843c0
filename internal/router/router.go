package router

import (
	"time"

	"cafeiq/internal/config"
	"cafeiq/internal/handler"
	"cafeiq/internal/infra"
	"cafeiq/internal/middleware"
	"cafeiq/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Deps are the already-built collaborators the HTTP layer exposes.
// RDB, Dispatcher and Breaker may be nil.
type Deps struct {
	DB         *gorm.DB
	RDB        *redis.Client
	Inventory  service.InventoryService
	Queue      handler.QueueAdmin
	Poller     handler.QueueStatus
	Dispatcher handler.OrderEnqueuer
	Breaker    *infra.CircuitBreaker
}

// New returns a configured Gin engine.
// Dependency graph: Handler ← Service ← Repository ← DB/Redis
func New(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins...))
	r.Use(middleware.ErrorHandler())
	if cfg.RateLimitPerMinute > 0 {
		r.Use(middleware.RateLimiter(cfg.RateLimitPerMinute, time.Minute))
	}

	// ── Handlers ─────────────────────────────────────────────────────────────
	inventoryH := handler.NewInventoryHandler(d.Inventory, d.Dispatcher)
	queueH := handler.NewQueueHandler(d.Queue)

	// ── Routes ───────────────────────────────────────────────────────────────
	r.GET("/health", handler.Health(d.DB, d.RDB, d.Breaker, d.Poller))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		orders := v1.Group("/orders")
		{
			orders.POST("/:id/deduct", inventoryH.Deduct)
			orders.POST("/:id/restore", inventoryH.Restore)
		}

		inv := v1.Group("/inventory")
		{
			inv.GET("/alerts", inventoryH.ListAlerts)
			inv.GET("/transactions", inventoryH.ListTransactions)
		}

		queue := v1.Group("/deduction-queue")
		{
			queue.GET("", queueH.List)
			queue.GET("/stats", queueH.Stats)
			queue.POST("/process", queueH.Process)
			queue.POST("/retry-failed", queueH.RetryAll)
			queue.POST("/:id/retry", queueH.Retry)
		}
	}

	return r
}
