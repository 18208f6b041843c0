package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrOrderAlreadyDeducted is returned when the order's deduction receipt
	// already exists. Nothing was written.
	ErrOrderAlreadyDeducted = errors.New("inventory: order already deducted")
	// ErrNothingToRestore is returned when the ledger holds no outstanding
	// usage for the order (never deducted, or already restored).
	ErrNothingToRestore = errors.New("inventory: nothing to restore for order")
	// ErrInvalidOrder wraps payload validation failures.
	ErrInvalidOrder = errors.New("inventory: invalid order payload")
)

// InsufficientStockError names the first ingredient whose aggregated
// requirement exceeds its stock. The whole order was rolled back.
type InsufficientStockError struct {
	IngredientID uuid.UUID
	Ingredient   string
	Required     decimal.Decimal
	Available    decimal.Decimal
	Unit         string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: required %s %s, available %s %s",
		e.Ingredient, e.Required.String(), e.Unit, e.Available.String(), e.Unit)
}

// UnresolvedRecipeError reports a menu item without ingredient mapping.
// Deductions treat it as a warning, never as a rollback.
type UnresolvedRecipeError struct {
	MenuItemID uuid.UUID
}

func (e *UnresolvedRecipeError) Error() string {
	return fmt.Sprintf("menu item %s has no recipe entries", e.MenuItemID)
}

// QueueExhaustedError is recorded when a queued deduction used all its attempts.
type QueueExhaustedError struct {
	ItemID   uuid.UUID
	OrderID  uuid.UUID
	Attempts int
	Last     error
}

func (e *QueueExhaustedError) Error() string {
	return fmt.Sprintf("deduction for order %s failed after %d attempts: %v", e.OrderID, e.Attempts, e.Last)
}

func (e *QueueExhaustedError) Unwrap() error { return e.Last }

// TransientDatabaseError wraps a storage failure (connection, lock timeout,
// serialization) that is safe to retry through the queue.
type TransientDatabaseError struct {
	Op  string
	Err error
}

func (e *TransientDatabaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientDatabaseError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed deduction may succeed on a later
// attempt. Insufficient stock is retryable too: a purchase may land in between.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrOrderAlreadyDeducted) || errors.Is(err, ErrInvalidOrder) {
		return false
	}
	return true
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var tde *TransientDatabaseError
	var ise *InsufficientStockError
	if errors.As(err, &tde) || errors.As(err, &ise) || errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrOrderAlreadyDeducted) || errors.Is(err, ErrNothingToRestore) {
		return err
	}
	return &TransientDatabaseError{Op: op, Err: err}
}
