package repository

import (
	"context"

	"cafeiq/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecipeRepository gives read access to menu item -> ingredient mappings.
// Recipes are maintained by menu administration; the inventory core never writes them.
type RecipeRepository interface {
	FindByMenuItemIDs(ctx context.Context, menuItemIDs []uuid.UUID) (map[uuid.UUID][]model.RecipeEntry, error)
}

type recipeRepo struct{ db *gorm.DB }

func NewRecipeRepository(db *gorm.DB) RecipeRepository { return &recipeRepo{db: db} }

func (r *recipeRepo) FindByMenuItemIDs(ctx context.Context, menuItemIDs []uuid.UUID) (map[uuid.UUID][]model.RecipeEntry, error) {
	out := make(map[uuid.UUID][]model.RecipeEntry, len(menuItemIDs))
	if len(menuItemIDs) == 0 {
		return out, nil
	}
	var entries []model.RecipeEntry
	if err := r.db.WithContext(ctx).
		Where("menu_item_id IN ?", menuItemIDs).
		Order("menu_item_id, ingredient_id").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.MenuItemID] = append(out[e.MenuItemID], e)
	}
	return out, nil
}
