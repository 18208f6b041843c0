package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderLineItem is one sold menu item as handed over by the order flow.
// It is validated once at the boundary and carried typed from then on,
// including inside the retry queue payload.
type OrderLineItem struct {
	MenuItemID     uuid.UUID       `json:"menu_item_id" validate:"required"`
	Quantity       int             `json:"quantity" validate:"required,min=1,max=1000"`
	Customizations *Customizations `json:"customizations,omitempty" validate:"omitempty"`
}

// OrderLineItems is the queue payload type.
type OrderLineItems []OrderLineItem

// Customizations selected for a line item.
type Customizations struct {
	Size    string   `json:"size,omitempty" validate:"omitempty,oneof=small medium large"`
	Options []string `json:"options,omitempty" validate:"omitempty,dive,required"`
	Extras  []Extra  `json:"extras,omitempty" validate:"omitempty,dive"`
}

// Extra is an additive amount of an ingredient on top of the recipe,
// e.g. +10 g sugar. Quantity is how many times it applies (default 1).
type Extra struct {
	IngredientID uuid.UUID       `json:"ingredient_id" validate:"required"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	Unit         string          `json:"unit" validate:"required"`
	Quantity     int             `json:"quantity,omitempty" validate:"min=0"`
}
