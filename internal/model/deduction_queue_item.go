package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Deduction queue states. pending -> processing -> completed | pending | failed.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// DeductionQueueItem is a deduction that could not be confirmed inline and is
// replayed by the queue poller. Items carries the full typed payload.
type DeductionQueueItem struct {
	ID                  uuid.UUID                          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	OrderID             uuid.UUID                          `gorm:"type:uuid;not null;index" json:"order_id"`
	Items               datatypes.JSONType[OrderLineItems] `gorm:"type:jsonb;not null" json:"items"`
	Status              string                             `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	Attempts            int                                `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts         int                                `gorm:"not null;default:3" json:"max_attempts"`
	ErrorMessage        *string                            `json:"error_message,omitempty"`
	ProcessingStartedAt *time.Time                         `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time                          `json:"created_at"`
	ProcessedAt         *time.Time                         `json:"processed_at,omitempty"`
}

// TableName overrides GORM's pluralization.
func (DeductionQueueItem) TableName() string { return "ingredient_deduction_queue" }

// LineItems returns the decoded payload.
func (q *DeductionQueueItem) LineItems() OrderLineItems { return q.Items.Data() }
