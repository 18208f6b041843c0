package dto

import (
	"cafeiq/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ─── Requests ────────────────────────────────────────────────────────────────

// DeductOrderRequest is the body of POST /v1/orders/:id/deduct and the payload
// of order-ready jobs.
type DeductOrderRequest struct {
	Items []model.OrderLineItem `json:"items" validate:"required,min=1,dive"`
}

// OrderReadyJob is the envelope pushed by the order flow onto jobs:order_ready.
type OrderReadyJob struct {
	OrderID uuid.UUID             `json:"order_id" validate:"required"`
	Items   []model.OrderLineItem `json:"items" validate:"required,min=1,dive"`
}

// RestoreOrderRequest narrows a restoration to one menu item of the order.
// Customizations are accepted for compatibility but amounts always come from
// the ledger.
type RestoreOrderRequest struct {
	MenuItemID     *uuid.UUID            `json:"menu_item_id,omitempty"`
	Customizations *model.Customizations `json:"customizations,omitempty"`
}

// TransactionFilter is bound from the query string of GET /v1/inventory/transactions.
type TransactionFilter struct {
	OrderID      *uuid.UUID
	IngredientID *uuid.UUID
	Type         string
	Page         int
	Limit        int
}

// QueueFilter is bound from the query string of GET /v1/deduction-queue.
type QueueFilter struct {
	Status string `form:"status" validate:"omitempty,oneof=pending processing completed failed"`
	Page   int    `form:"page,default=1" validate:"min=1"`
	Limit  int    `form:"limit,default=50" validate:"min=1,max=200"`
}

// ─── Results ─────────────────────────────────────────────────────────────────

// Warning codes attached to a deduction that still succeeded.
const (
	WarnUnconvertibleUnit = "unconvertible_unit"
	WarnUnresolvedRecipe  = "unresolved_recipe"
	WarnFallbackRecipe    = "fallback_recipe"
	WarnOptionalSkipped   = "optional_skipped"
)

// DeductionWarning is a soft problem met while deducting.
type DeductionWarning struct {
	Code         string     `json:"code"`
	MenuItemID   *uuid.UUID `json:"menu_item_id,omitempty"`
	IngredientID *uuid.UUID `json:"ingredient_id,omitempty"`
	Detail       string     `json:"detail"`
}

// StockChange summarises the net movement of one ingredient.
type StockChange struct {
	IngredientID     uuid.UUID       `json:"ingredient_id"`
	Name             string          `json:"name"`
	Unit             string          `json:"unit"`
	Amount           decimal.Decimal `json:"amount"`
	PreviousQuantity decimal.Decimal `json:"previous_quantity"`
	NewQuantity      decimal.Decimal `json:"new_quantity"`
	LowStock         bool            `json:"low_stock"`
}

// DeductionResult is returned by a committed deduction.
type DeductionResult struct {
	Success      bool                         `json:"success"`
	OrderID      uuid.UUID                    `json:"order_id"`
	Transactions []model.InventoryTransaction `json:"transactions"`
	Changes      []StockChange                `json:"changes"`
	Alerts       []model.LowStockAlert        `json:"alerts,omitempty"`
	Warnings     []DeductionWarning           `json:"warnings,omitempty"`
}

// RestorationResult is returned by a committed restoration.
type RestorationResult struct {
	Success      bool                         `json:"success"`
	OrderID      uuid.UUID                    `json:"order_id"`
	Restorations []model.InventoryTransaction `json:"restorations"`
	Changes      []StockChange                `json:"changes"`
}

// DeferredDeduction is what the order flow gets back from DeductOrDefer.
type DeferredDeduction struct {
	OrderID     uuid.UUID        `json:"order_id"`
	Deducted    bool             `json:"deducted"`
	Queued      bool             `json:"queued"`
	QueueItemID *uuid.UUID       `json:"queue_item_id,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Result      *DeductionResult `json:"result,omitempty"`
}

// QueueStats counts queue items per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	// DeadLettered counts exhausted items copied to the redis DLQ.
	DeadLettered int64 `json:"dead_lettered"`
}

// QueueListResponse is a page of queue items.
type QueueListResponse struct {
	Data  []model.DeductionQueueItem `json:"data"`
	Total int64                      `json:"total"`
	Page  int                        `json:"page"`
	Limit int                        `json:"limit"`
}

// ProcessSummary reports one poll of the queue.
type ProcessSummary struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Recovered int `json:"recovered"`
}

// AlertResponse is one active low-stock alert with ingredient details.
type AlertResponse struct {
	ID           uuid.UUID       `json:"id"`
	IngredientID uuid.UUID       `json:"ingredient_id"`
	Ingredient   string          `json:"ingredient"`
	Unit         string          `json:"unit"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
	Severity     string          `json:"severity"`
	CreatedAt    string          `json:"created_at"`
}
