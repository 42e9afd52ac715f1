package sales

import (
	"errors"
	"fmt"

	"github.com/stockroom/stockroom/internal/inventory"
)

var (
	// ErrNotFound indicates the sale does not exist in the tenant.
	ErrNotFound = errors.New("sales: not found")
	// ErrAlreadyAnnulled rejects a second annulment. It matches inventory.ErrInvalidOperation.
	ErrAlreadyAnnulled = fmt.Errorf("%w: sale already annulled", inventory.ErrInvalidOperation)
)

func invalidSale(reason string) error {
	return fmt.Errorf("%w: %s", inventory.ErrInvalidOperation, reason)
}
