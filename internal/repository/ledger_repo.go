package repository

import (
	"context"

	"cafeiq/internal/dto"
	"cafeiq/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository appends to and reads the inventory_transactions ledger.
// Rows are never updated or deleted.
type LedgerRepository interface {
	CreateTx(tx *gorm.DB, t *model.InventoryTransaction) error
	ListByOrderTx(tx *gorm.DB, orderID uuid.UUID) ([]model.InventoryTransaction, error)
	List(ctx context.Context, filter dto.TransactionFilter) ([]model.InventoryTransaction, int64, error)

	// ClaimOrderTx inserts the order's deduction receipt. It returns false when
	// the order was already deducted, in which case nothing was written.
	ClaimOrderTx(tx *gorm.DB, orderID uuid.UUID) (bool, error)
}

type ledgerRepo struct{ db *gorm.DB }

func NewLedgerRepository(db *gorm.DB) LedgerRepository { return &ledgerRepo{db: db} }

func (r *ledgerRepo) CreateTx(tx *gorm.DB, t *model.InventoryTransaction) error {
	return tx.Create(t).Error
}

func (r *ledgerRepo) ListByOrderTx(tx *gorm.DB, orderID uuid.UUID) ([]model.InventoryTransaction, error) {
	var rows []model.InventoryTransaction
	err := tx.Where("order_id = ?", orderID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *ledgerRepo) ClaimOrderTx(tx *gorm.DB, orderID uuid.UUID) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.OrderDeduction{OrderID: orderID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ledgerRepo) List(ctx context.Context, filter dto.TransactionFilter) ([]model.InventoryTransaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.InventoryTransaction{})
	if filter.OrderID != nil {
		q = q.Where("order_id = ?", *filter.OrderID)
	}
	if filter.IngredientID != nil {
		q = q.Where("ingredient_id = ?", *filter.IngredientID)
	}
	if filter.Type != "" {
		q = q.Where("transaction_type = ?", filter.Type)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	limit := filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	offset := (page - 1) * limit

	var rows []model.InventoryTransaction
	err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&rows).Error
	return rows, total, err
}
