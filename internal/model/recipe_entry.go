package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecipeEntry maps one menu item to one ingredient: how much of the
// ingredient a single unit of the menu item consumes.
// RequiredUnit defaults to the ingredient's ActualUnit when nil.
type RecipeEntry struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	MenuItemID           uuid.UUID       `gorm:"type:uuid;not null;index"`
	IngredientID         uuid.UUID       `gorm:"type:uuid;not null;index"`
	RequiredActualAmount decimal.Decimal `gorm:"type:decimal(14,4);not null"`
	RequiredUnit         *string
	IsOptional           bool `gorm:"not null;default:false"`

	Ingredient *Ingredient `gorm:"foreignKey:IngredientID"`
}

// TableName keeps the name used by menu administration.
func (RecipeEntry) TableName() string { return "menu_item_ingredients" }

// Unit returns the unit RequiredActualAmount is expressed in.
func (r *RecipeEntry) Unit(ingredientUnit string) string {
	if r.RequiredUnit != nil && *r.RequiredUnit != "" {
		return *r.RequiredUnit
	}
	return ingredientUnit
}
