package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Alert states and notification types.
const (
	AlertActive   = "active"
	AlertResolved = "resolved"

	NotifyLowStockCritical = "low_stock_critical"
	NotifyLowStockLow      = "low_stock_low"
	NotifyDeductionFailed  = "deduction_failed"
	NotifyDeductionQueued  = "deduction_queued"
	NotifyRecipeMissing    = "recipe_missing"
)

// LowStockAlert flags an ingredient at or below its reorder level.
// At most one active alert exists per ingredient (partial unique index).
type LowStockAlert struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	IngredientID uuid.UUID       `gorm:"type:uuid;not null;index" json:"ingredient_id"`
	CurrentStock decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"current_stock"`
	ReorderLevel decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"reorder_level"`
	Severity     string          `gorm:"type:varchar(30);not null" json:"severity"`
	Status       string          `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`

	Ingredient *Ingredient `gorm:"foreignKey:IngredientID" json:"ingredient,omitempty"`
}

// NotificationThrottle stores when a notification type was last sent.
type NotificationThrottle struct {
	NotificationType string    `gorm:"primaryKey;type:varchar(40)"`
	LastSentAt       time.Time `gorm:"not null"`
}

// TableName overrides GORM's pluralization.
func (NotificationThrottle) TableName() string { return "notification_throttling" }
