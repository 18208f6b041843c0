package handler

import (
	"context"
	"net/http"

	"cafeiq/internal/apierror"
	"cafeiq/internal/dto"
	"cafeiq/internal/model"
	"cafeiq/internal/service"

	"github.com/gin-gonic/gin"
)

// OrderEnqueuer pushes an order-ready job for asynchronous deduction.
// Implemented by worker.Dispatcher.
type OrderEnqueuer interface {
	EnqueueOrderReady(ctx context.Context, payload interface{}) error
}

type InventoryHandler struct {
	svc        service.InventoryService
	dispatcher OrderEnqueuer
}

// NewInventoryHandler builds the handler; dispatcher may be nil when redis is disabled.
func NewInventoryHandler(svc service.InventoryService, dispatcher OrderEnqueuer) *InventoryHandler {
	return &InventoryHandler{svc: svc, dispatcher: dispatcher}
}

// Deduct handles POST /v1/orders/:id/deduct.
//
//	mode=sync  (default) deduct inline, errors returned to the caller
//	mode=defer deduct inline, queue for retry on failure (order-flow semantics)
//	mode=async push an order-ready job to the worker pool
func (h *InventoryHandler) Deduct(c *gin.Context) {
	orderID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.DeductOrderRequest
	if !bindAndValidate(c, &req) {
		return
	}
	items := model.OrderLineItems(req.Items)

	switch c.DefaultQuery("mode", "sync") {
	case "sync":
		res, err := h.svc.DeductForOrder(c.Request.Context(), orderID, items)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	case "defer":
		res := h.svc.DeductOrDefer(c.Request.Context(), orderID, items)
		status := http.StatusOK
		if res.Queued {
			status = http.StatusAccepted
		} else if !res.Deducted {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, res)
	case "async":
		if h.dispatcher == nil {
			c.JSON(http.StatusServiceUnavailable, apierror.New("async processing is not available"))
			return
		}
		job := dto.OrderReadyJob{OrderID: orderID, Items: req.Items}
		if err := h.dispatcher.EnqueueOrderReady(c.Request.Context(), job); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"order_id": orderID, "enqueued": true})
	default:
		c.JSON(http.StatusBadRequest, apierror.New("mode must be one of sync, defer, async"))
	}
}

// Restore handles POST /v1/orders/:id/restore. The body is optional.
func (h *InventoryHandler) Restore(c *gin.Context) {
	orderID, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.RestoreOrderRequest
	if c.Request.ContentLength > 0 && !bindAndValidate(c, &req) {
		return
	}
	res, err := h.svc.RestoreForOrder(c.Request.Context(), orderID, req.MenuItemID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListAlerts handles GET /v1/inventory/alerts.
func (h *InventoryHandler) ListAlerts(c *gin.Context) {
	resp, err := h.svc.ListAlerts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.New("failed to list alerts"))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListTransactions handles GET /v1/inventory/transactions.
func (h *InventoryHandler) ListTransactions(c *gin.Context) {
	orderID, ok := queryUUID(c, "order_id")
	if !ok {
		return
	}
	ingredientID, ok := queryUUID(c, "ingredient_id")
	if !ok {
		return
	}
	filter := dto.TransactionFilter{
		OrderID:      orderID,
		IngredientID: ingredientID,
		Type:         c.Query("type"),
		Page:         queryInt(c, "page", 1),
		Limit:        queryInt(c, "limit", 100),
	}
	rows, total, err := h.svc.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.New("failed to list transactions"))
		return
	}
	if rows == nil {
		rows = []model.InventoryTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "total": total, "page": filter.Page, "limit": filter.Limit})
}
