package repository

import (
	"context"
	"errors"
	"time"

	"cafeiq/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertRepository stores low-stock alerts. The active alert for an ingredient
// is refreshed in place instead of duplicated.
type AlertRepository interface {
	FindActiveTx(tx *gorm.DB, ingredientID uuid.UUID) (*model.LowStockAlert, error)
	CreateTx(tx *gorm.DB, a *model.LowStockAlert) error
	UpdateTx(tx *gorm.DB, a *model.LowStockAlert) error
	ResolveTx(tx *gorm.DB, ingredientID uuid.UUID, at time.Time) error
	ListActive(ctx context.Context) ([]model.LowStockAlert, error)
}

type alertRepo struct{ db *gorm.DB }

func NewAlertRepository(db *gorm.DB) AlertRepository { return &alertRepo{db: db} }

// FindActiveTx returns nil, nil when the ingredient has no active alert.
func (r *alertRepo) FindActiveTx(tx *gorm.DB, ingredientID uuid.UUID) (*model.LowStockAlert, error) {
	var a model.LowStockAlert
	err := tx.Where("ingredient_id = ? AND status = ?", ingredientID, model.AlertActive).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *alertRepo) CreateTx(tx *gorm.DB, a *model.LowStockAlert) error {
	return tx.Create(a).Error
}

func (r *alertRepo) UpdateTx(tx *gorm.DB, a *model.LowStockAlert) error {
	return tx.Model(&model.LowStockAlert{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
		"current_stock": a.CurrentStock,
		"reorder_level": a.ReorderLevel,
		"severity":      a.Severity,
	}).Error
}

func (r *alertRepo) ResolveTx(tx *gorm.DB, ingredientID uuid.UUID, at time.Time) error {
	return tx.Model(&model.LowStockAlert{}).
		Where("ingredient_id = ? AND status = ?", ingredientID, model.AlertActive).
		Updates(map[string]interface{}{"status": model.AlertResolved, "resolved_at": at}).Error
}

func (r *alertRepo) ListActive(ctx context.Context) ([]model.LowStockAlert, error) {
	var alerts []model.LowStockAlert
	err := r.db.WithContext(ctx).Preload("Ingredient").
		Where("status = ?", model.AlertActive).
		Order("created_at ASC").
		Find(&alerts).Error
	return alerts, err
}

// ThrottleRepository persists the last send time per notification type.
type ThrottleRepository interface {
	Find(ctx context.Context, notificationType string) (*model.NotificationThrottle, error)
	Upsert(ctx context.Context, notificationType string, sentAt time.Time) error
	// Claim records sentAt as the last send when no send exists or the stored
	// one is at or before notAfter. The check and the write share one row lock,
	// so of two concurrent callers only one wins. previous is the replaced value.
	Claim(ctx context.Context, notificationType string, sentAt, notAfter time.Time) (ok bool, previous *time.Time, err error)
	// Release hands back a claim whose send failed, restoring previous
	// unless another send was recorded meanwhile.
	Release(ctx context.Context, notificationType string, sentAt time.Time, previous *time.Time) error
}

type throttleRepo struct{ db *gorm.DB }

func NewThrottleRepository(db *gorm.DB) ThrottleRepository { return &throttleRepo{db: db} }

// Find returns nil, nil when the type has never been sent.
func (r *throttleRepo) Find(ctx context.Context, notificationType string) (*model.NotificationThrottle, error) {
	var t model.NotificationThrottle
	err := r.db.WithContext(ctx).First(&t, "notification_type = ?", notificationType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *throttleRepo) Upsert(ctx context.Context, notificationType string, sentAt time.Time) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "notification_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sent_at"}),
	}).Create(&model.NotificationThrottle{NotificationType: notificationType, LastSentAt: sentAt}).Error
}

func (r *throttleRepo) Claim(ctx context.Context, notificationType string, sentAt, notAfter time.Time) (bool, *time.Time, error) {
	var (
		ok       bool
		previous *time.Time
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.NotificationThrottle
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&t, "notification_type = ?", notificationType).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// first send ever: a concurrent insert makes this a no-op
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.NotificationThrottle{NotificationType: notificationType, LastSentAt: sentAt})
			ok = res.RowsAffected == 1
			return res.Error
		}
		if err != nil {
			return err
		}
		if t.LastSentAt.After(notAfter) {
			return nil
		}
		last := t.LastSentAt
		previous = &last
		ok = true
		return tx.Model(&model.NotificationThrottle{}).
			Where("notification_type = ?", notificationType).
			Update("last_sent_at", sentAt).Error
	})
	if err != nil {
		return false, nil, err
	}
	return ok, previous, nil
}

func (r *throttleRepo) Release(ctx context.Context, notificationType string, sentAt time.Time, previous *time.Time) error {
	q := r.db.WithContext(ctx).Where("notification_type = ? AND last_sent_at = ?", notificationType, sentAt)
	if previous == nil {
		return q.Delete(&model.NotificationThrottle{}).Error
	}
	return q.Model(&model.NotificationThrottle{}).Update("last_sent_at", *previous).Error
}
