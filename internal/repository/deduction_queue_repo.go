package repository

import (
	"context"
	"errors"
	"time"

	"cafeiq/internal/dto"
	"cafeiq/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeductionQueueRepository is the durable store behind the deduction retry queue.
type DeductionQueueRepository interface {
	// Create inserts item unless its order already has a pending or processing
	// item, in which case it reports false and leaves item untouched.
	Create(ctx context.Context, item *model.DeductionQueueItem) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.DeductionQueueItem, error)
	// FindOpenByOrderID returns the pending or processing item of an order, or nil.
	FindOpenByOrderID(ctx context.Context, orderID uuid.UUID) (*model.DeductionQueueItem, error)
	List(ctx context.Context, filter dto.QueueFilter) ([]model.DeductionQueueItem, int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// ClaimPending selects up to limit pending items, oldest first, and marks
	// them processing with attempts+1 in one transaction. Rows locked by another
	// poller are skipped.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.DeductionQueueItem, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error

	// ResetFailed puts a failed item back to pending with attempts=0. Orders
	// that already have an open item are skipped; ResetAllFailed also resets at
	// most one failed item per order.
	ResetFailed(ctx context.Context, id uuid.UUID) (int64, error)
	ResetAllFailed(ctx context.Context) (int64, error)
	// RecoverStale returns processing items claimed before the cutoff to pending.
	// Items that already used their last attempt are left for FailStaleExhausted.
	RecoverStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	// FailStaleExhausted moves processing items claimed before the cutoff whose
	// attempts reached max_attempts to failed and returns them.
	FailStaleExhausted(ctx context.Context, claimedBefore time.Time, errMsg string, at time.Time) ([]model.DeductionQueueItem, error)
	// PurgeCompleted deletes completed items processed before the cutoff.
	PurgeCompleted(ctx context.Context, processedBefore time.Time) (int64, error)
}

type deductionQueueRepo struct{ db *gorm.DB }

const noOpenSibling = `NOT EXISTS (
	SELECT 1 FROM ingredient_deduction_queue o
	WHERE o.order_id = ingredient_deduction_queue.order_id AND o.status IN ('pending', 'processing'))`

func NewDeductionQueueRepository(db *gorm.DB) DeductionQueueRepository {
	return &deductionQueueRepo{db: db}
}

func (r *deductionQueueRepo) Create(ctx context.Context, item *model.DeductionQueueItem) (bool, error) {
	// uq_deduction_queue_open_order rejects a second open item per order
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *deductionQueueRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.DeductionQueueItem, error) {
	var item model.DeductionQueueItem
	err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error
	return &item, err
}

func (r *deductionQueueRepo) FindOpenByOrderID(ctx context.Context, orderID uuid.UUID) (*model.DeductionQueueItem, error) {
	var item model.DeductionQueueItem
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, []string{model.QueuePending, model.QueueProcessing}).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *deductionQueueRepo) List(ctx context.Context, filter dto.QueueFilter) ([]model.DeductionQueueItem, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.DeductionQueueItem{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
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
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var items []model.DeductionQueueItem
	err := q.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&items).Error
	return items, total, err
}

func (r *deductionQueueRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *deductionQueueRepo) ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.DeductionQueueItem, error) {
	var items []model.DeductionQueueItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND attempts < max_attempts", model.QueuePending).
			Order("created_at ASC").
			Limit(limit).
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		if err := tx.Model(&model.DeductionQueueItem{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":                model.QueueProcessing,
			"attempts":              gorm.Expr("attempts + 1"),
			"processing_started_at": now,
		}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].Status = model.QueueProcessing
			items[i].Attempts++
			items[i].ProcessingStartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *deductionQueueRepo) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.QueueCompleted,
		"processed_at":  at,
		"error_message": nil,
	}).Error
}

func (r *deductionQueueRepo) MarkRetry(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.QueuePending,
		"error_message": errMsg,
	}).Error
}

func (r *deductionQueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.QueueFailed,
		"error_message": errMsg,
		"processed_at":  at,
	}).Error
}

func (r *deductionQueueRepo) ResetFailed(ctx context.Context, id uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).
		Where("id = ? AND status = ?", id, model.QueueFailed).
		Where(noOpenSibling).
		Updates(map[string]interface{}{
			"status":        model.QueuePending,
			"attempts":      0,
			"error_message": nil,
			"processed_at":  nil,
		})
	return res.RowsAffected, res.Error
}

func (r *deductionQueueRepo) ResetAllFailed(ctx context.Context) (int64, error) {
	// newest failed item per order
	latest := r.db.Model(&model.DeductionQueueItem{}).
		Select("DISTINCT ON (order_id) id").
		Where("status = ?", model.QueueFailed).
		Where(noOpenSibling).
		Order("order_id, created_at DESC")
	res := r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).
		Where("id IN (?)", latest).
		Updates(map[string]interface{}{
			"status":        model.QueuePending,
			"attempts":      0,
			"error_message": nil,
			"processed_at":  nil,
		})
	return res.RowsAffected, res.Error
}

func (r *deductionQueueRepo) RecoverStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.DeductionQueueItem{}).
		Where("status = ? AND processing_started_at < ? AND attempts < max_attempts", model.QueueProcessing, claimedBefore).
		Update("status", model.QueuePending)
	return res.RowsAffected, res.Error
}

func (r *deductionQueueRepo) FailStaleExhausted(ctx context.Context, claimedBefore time.Time, errMsg string, at time.Time) ([]model.DeductionQueueItem, error) {
	var items []model.DeductionQueueItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND processing_started_at < ? AND attempts >= max_attempts", model.QueueProcessing, claimedBefore).
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		if err := tx.Model(&model.DeductionQueueItem{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":        model.QueueFailed,
			"error_message": errMsg,
			"processed_at":  at,
		}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].Status = model.QueueFailed
			items[i].ErrorMessage = &errMsg
			items[i].ProcessedAt = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *deductionQueueRepo) PurgeCompleted(ctx context.Context, processedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", model.QueueCompleted, processedBefore).
		Delete(&model.DeductionQueueItem{})
	return res.RowsAffected, res.Error
}
