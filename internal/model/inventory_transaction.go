package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger transaction types.
const (
	TxUsage       = "usage"
	TxRestoration = "restoration"
	TxPurchase    = "purchase"
	TxInitial     = "initial"
)

// InventoryTransaction is one append-only ledger row per stock mutation.
// ActualAmount is always positive; TransactionType gives the direction.
type InventoryTransaction struct {
	ID                     uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	IngredientID           uuid.UUID       `gorm:"type:uuid;not null;index" json:"ingredient_id"`
	TransactionType        string          `gorm:"not null" json:"transaction_type"`
	ActualAmount           decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"actual_amount"`
	PreviousActualQuantity decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"previous_actual_quantity"`
	NewActualQuantity      decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"new_actual_quantity"`
	OrderID                *uuid.UUID      `gorm:"type:uuid;index" json:"order_id,omitempty"`
	MenuItemID             *uuid.UUID      `gorm:"type:uuid" json:"menu_item_id,omitempty"`
	Notes                  string          `json:"notes,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
}

// OrderDeduction is the idempotency receipt for an order: one row per order
// whose ingredients were deducted. The primary key makes a replayed deduction
// collide instead of deducting twice.
type OrderDeduction struct {
	OrderID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}
