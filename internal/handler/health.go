package handler

import (
	"context"
	"net/http"
	"time"

	"cafeiq/internal/infra"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// QueueStatus reports whether the deduction queue poller is running.
type QueueStatus interface {
	Running() bool
}

// Health returns a JSON health check response.
// Checks DB and Redis connectivity plus the notification breaker and queue
// poller; never exposes credentials or internals. rdb, cb and queue may be nil.
func Health(db *gorm.DB, rdb *redis.Client, cb *infra.CircuitBreaker, queue QueueStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		dbStatus := "connected"
		if db == nil {
			dbStatus = "error"
		} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "error"
		}

		// redis only carries jobs and events; the inventory core works without it
		redisStatus := "disabled"
		if rdb != nil {
			redisStatus = "connected"
			if rdb.Ping(ctx).Err() != nil {
				redisStatus = "error"
			}
		}

		status := http.StatusOK
		if dbStatus != "connected" || redisStatus == "error" {
			status = http.StatusServiceUnavailable
		}

		body := gin.H{
			"ok":    status == http.StatusOK,
			"db":    dbStatus,
			"redis": redisStatus,
		}
		if cb != nil {
			body["notifications"] = cb.State().String()
		}
		if queue != nil {
			body["deduction_queue"] = map[bool]string{true: "running", false: "stopped"}[queue.Running()]
		}
		c.JSON(status, body)
	}
}
