package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMinStock applies when a registration omits the low stock threshold.
const DefaultMinStock int64 = 10

// Product represents a catalog item. Stock is maintained by the inventory ledger.
type Product struct {
	ID          int64           `json:"id"`
	TenantID    int64           `json:"tenant_id"`
	SKU         string          `json:"sku"`
	Barcode     string          `json:"barcode,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	Stock       int64           `json:"stock"`
	MinStock    int64           `json:"min_stock"`
	MaxStock    *int64          `json:"max_stock,omitempty"`
	CategoryID  *int64          `json:"category_id,omitempty"`
	SupplierID  *int64          `json:"supplier_id,omitempty"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RegisterInput creates a product and opens its ledger with InitialStock units.
type RegisterInput struct {
	TenantID     int64
	UserID       int64
	SKU          string
	Barcode      string
	Name         string
	Description  string
	Price        decimal.Decimal
	Cost         decimal.Decimal
	InitialStock int64
	MinStock     *int64
	MaxStock     *int64
	CategoryID   *int64
	SupplierID   *int64
}

// ListFilter narrows product listings.
type ListFilter struct {
	TenantID   int64
	Search     string
	CategoryID *int64
	SupplierID *int64
	IsActive   *bool
	SortBy     string
	SortDir    string
	Page       int
	PerPage    int
}
