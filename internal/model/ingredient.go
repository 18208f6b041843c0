package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ingredient is a stocked raw material. ActualQuantity is expressed in
// ActualUnit and only changes through the deduction and restoration paths.
// The table carries CHECK (actual_quantity >= 0).
type Ingredient struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name           string          `gorm:"not null;uniqueIndex" json:"name"`
	Category       string          `gorm:"not null;default:'general'" json:"category"`
	ActualUnit     string          `gorm:"not null" json:"actual_unit"`
	ActualQuantity decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0" json:"actual_quantity"`
	ReorderLevel   decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0" json:"reorder_level"`
	IsAvailable    bool            `gorm:"not null;default:true" json:"is_available"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AtOrBelowReorder reports whether the current stock should raise a low-stock alert.
func (i *Ingredient) AtOrBelowReorder() bool {
	return i.ActualQuantity.LessThanOrEqual(i.ReorderLevel)
}
