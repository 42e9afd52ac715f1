package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a product, movement or alert missing from the tenant.
	ErrNotFound = errors.New("inventory: not found")
	// ErrInvalidOperation rejects a stock operation before any write.
	ErrInvalidOperation = errors.New("inventory: invalid stock operation")
	// ErrInsufficientStock is matched by every *InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrencyConflict reports a lost race that survived the retry budget.
	ErrConcurrencyConflict = errors.New("inventory: concurrent update conflict")
)

// InsufficientStockError carries the figures shown to the operator.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

func invalidOperation(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, reason)
}

// ProductNotFound builds the not-found error for a product id.
func ProductNotFound(productID int64) error {
	return fmt.Errorf("%w: product %d", ErrNotFound, productID)
}
