package repository

import (
	"context"
	"time"

	"cafeiq/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IngredientRepository defines the data access contract for ingredient stock.
// Services depend on this interface, not on the concrete GORM implementation,
// enabling clean unit testing via stubs.
type IngredientRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Ingredient, error)
	List(ctx context.Context) ([]model.Ingredient, error)

	// Used inside transactions: callers must pass the tx instance.
	// LockByIDsTx takes row locks (SELECT ... FOR UPDATE) in id order so that
	// two orders touching the same ingredients cannot deadlock.
	LockByIDsTx(tx *gorm.DB, ids []uuid.UUID) ([]model.Ingredient, error)
	UpdateQuantityTx(tx *gorm.DB, id uuid.UUID, quantity decimal.Decimal) error

	// DB exposes the underlying *gorm.DB so services can open transactions.
	DB() *gorm.DB
}

type ingredientRepo struct{ db *gorm.DB }

func NewIngredientRepository(db *gorm.DB) IngredientRepository { return &ingredientRepo{db: db} }

func (r *ingredientRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Ingredient, error) {
	var i model.Ingredient
	err := r.db.WithContext(ctx).First(&i, "id = ?", id).Error
	return &i, err
}

func (r *ingredientRepo) List(ctx context.Context) ([]model.Ingredient, error) {
	var ingredients []model.Ingredient
	err := r.db.WithContext(ctx).Order("name ASC").Find(&ingredients).Error
	return ingredients, err
}

func (r *ingredientRepo) LockByIDsTx(tx *gorm.DB, ids []uuid.UUID) ([]model.Ingredient, error) {
	var ingredients []model.Ingredient
	if len(ids) == 0 {
		return ingredients, nil
	}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&ingredients).Error
	return ingredients, err
}

func (r *ingredientRepo) UpdateQuantityTx(tx *gorm.DB, id uuid.UUID, quantity decimal.Decimal) error {
	return tx.Model(&model.Ingredient{}).Where("id = ?", id).Updates(map[string]interface{}{
		"actual_quantity": quantity,
		"updated_at":      time.Now(),
	}).Error
}

func (r *ingredientRepo) DB() *gorm.DB { return r.db }
