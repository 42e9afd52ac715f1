package shared

// Stock ledger, sales, catalog and RBAC permissions.
const (
	PermStockAdd       = "inventory.stock.add"
	PermStockRemove    = "inventory.stock.remove"
	PermStockAdjust    = "inventory.stock.adjust"
	PermMovementView   = "inventory.movement.view"
	PermAlertView      = "inventory.alert.view"
	PermAlertManage    = "inventory.alert.manage"
	PermSaleView       = "sales.sale.view"
	PermSaleCreate     = "sales.sale.create"
	PermSaleAnnul      = "sales.sale.annul"
	PermProductView    = "catalog.product.view"
	PermProductCreate  = "catalog.product.create"
	PermProductDelete  = "catalog.product.delete"
	PermPermissionView = "rbac.permission.view"
)

// InventoryScopes lists all permissions related to the stock ledger.
func InventoryScopes() []string {
	return []string{
		PermStockAdd,
		PermStockRemove,
		PermStockAdjust,
		PermMovementView,
		PermAlertView,
		PermAlertManage,
	}
}

// SalesScopes lists all permissions related to point-of-sale operations.
func SalesScopes() []string {
	return []string{
		PermSaleView,
		PermSaleCreate,
		PermSaleAnnul,
	}
}

// CatalogScopes lists all permissions related to the product catalog.
func CatalogScopes() []string {
	return []string{
		PermProductView,
		PermProductCreate,
		PermProductDelete,
	}
}

// AllScopes returns every permission known to the service.
func AllScopes() []string {
	scopes := append(InventoryScopes(), SalesScopes()...)
	scopes = append(scopes, CatalogScopes()...)
	return append(scopes, PermPermissionView)
}
