package handler

import (
	"context"
	"errors"
	"net/http"

	"cafeiq/internal/apierror"
	"cafeiq/internal/dto"
	"cafeiq/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// QueueAdmin is the operator surface of the deduction retry queue.
// Implemented by *worker.DeductionQueue.
type QueueAdmin interface {
	List(ctx context.Context, filter dto.QueueFilter) (*dto.QueueListResponse, error)
	Stats(ctx context.Context) (dto.QueueStats, error)
	ProcessQueue(ctx context.Context) (dto.ProcessSummary, error)
	RetryFailed(ctx context.Context, id uuid.UUID) error
	RetryAllFailed(ctx context.Context) (int64, error)
}

type QueueHandler struct {
	queue QueueAdmin
}

func NewQueueHandler(queue QueueAdmin) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// List handles GET /v1/deduction-queue?status=&page=&limit=.
func (h *QueueHandler) List(c *gin.Context) {
	var filter dto.QueueFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("invalid query: "+err.Error()))
		return
	}
	if err := dto.Validate(&filter); err != nil {
		c.JSON(http.StatusUnprocessableEntity, apierror.NewValidation(dto.FieldErrors(err)))
		return
	}
	resp, err := h.queue.List(c.Request.Context(), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Stats handles GET /v1/deduction-queue/stats.
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Process handles POST /v1/deduction-queue/process: one poll, on demand.
func (h *QueueHandler) Process(c *gin.Context) {
	summary, err := h.queue.ProcessQueue(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RetryAll handles POST /v1/deduction-queue/retry-failed.
func (h *QueueHandler) RetryAll(c *gin.Context) {
	n, err := h.queue.RetryAllFailed(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// Retry handles POST /v1/deduction-queue/:id/retry.
func (h *QueueHandler) Retry(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := h.queue.RetryFailed(c.Request.Context(), id); err != nil {
		if errors.Is(err, worker.ErrQueueItemNotFailed) {
			c.JSON(http.StatusNotFound, apierror.New("queue item not found or not failed"))
			return
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "pending"})
}
