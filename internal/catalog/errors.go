package catalog

import (
	"errors"
	"fmt"

	"github.com/stockroom/stockroom/internal/inventory"
)

var (
	// ErrNotFound indicates the product does not exist in the tenant or was deleted.
	ErrNotFound = errors.New("catalog: product not found")
	// ErrDuplicate indicates the SKU or barcode is already registered in the tenant.
	ErrDuplicate = errors.New("catalog: sku or barcode already registered")
)

func invalidProduct(reason string) error {
	return fmt.Errorf("%w: %s", inventory.ErrInvalidOperation, reason)
}
