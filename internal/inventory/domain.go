package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementKind enumerates supported stock movements.
type MovementKind string

const (
	// MovementEntry records inbound stock (purchases, customer returns).
	MovementEntry MovementKind = "ENTRY"
	// MovementExit records outbound stock (sales, supplier returns).
	MovementExit MovementKind = "EXIT"
	// MovementAdjustment records manual corrections and sale annulments.
	MovementAdjustment MovementKind = "ADJUSTMENT"
	// MovementTransfer records moves between locations.
	MovementTransfer MovementKind = "TRANSFER"
	// MovementInitial opens a product's ledger.
	MovementInitial MovementKind = "INITIAL"
)

// Valid reports whether k is a known movement kind.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementEntry, MovementExit, MovementAdjustment, MovementTransfer, MovementInitial:
		return true
	}
	return false
}

// AlertKind enumerates stock alert signals.
type AlertKind string

const (
	AlertLowStock   AlertKind = "LOW_STOCK"
	AlertOutOfStock AlertKind = "OUT_OF_STOCK"
	AlertOverstock  AlertKind = "OVERSTOCK"
)

// AlertStatus tracks the alert lifecycle.
type AlertStatus string

const (
	AlertActive    AlertStatus = "ACTIVE"
	AlertResolved  AlertStatus = "RESOLVED"
	AlertDismissed AlertStatus = "DISMISSED"
)

// Product is the slice of a catalog row the ledger reads and writes.
type Product struct {
	ID        int64           `json:"id"`
	TenantID  int64           `json:"tenant_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Stock     int64           `json:"stock"`
	MinStock  int64           `json:"min_stock"`
	MaxStock  *int64          `json:"max_stock,omitempty"`
	IsActive  bool            `json:"is_active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Movement is one immutable, signed change to a product's stock.
type Movement struct {
	ID          int64               `json:"id"`
	TenantID    int64               `json:"tenant_id"`
	ProductID   int64               `json:"product_id"`
	UserID      int64               `json:"user_id,omitempty"`
	Kind        MovementKind        `json:"kind"`
	Quantity    int64               `json:"quantity"`
	StockBefore int64               `json:"stock_before"`
	StockAfter  int64               `json:"stock_after"`
	UnitCost    decimal.NullDecimal `json:"unit_cost"`
	Reference   string              `json:"reference,omitempty"`
	Notes       string              `json:"notes,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// StockAlert is a derived threshold signal for a product.
type StockAlert struct {
	ID           int64       `json:"id"`
	TenantID     int64       `json:"tenant_id"`
	ProductID    int64       `json:"product_id"`
	Kind         AlertKind   `json:"kind"`
	Status       AlertStatus `json:"status"`
	CurrentStock int64       `json:"current_stock"`
	Threshold    int64       `json:"threshold"`
	Message      string      `json:"message"`
	Notified     bool        `json:"notified"`
	CreatedAt    time.Time   `json:"created_at"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
}

// AddStockInput describes a restock.
type AddStockInput struct {
	TenantID  int64
	UserID    int64
	ProductID int64
	Quantity  int64
	UnitCost  decimal.NullDecimal
	Reference string
	Notes     string
}

// RemoveStockInput describes a manual stock exit.
type RemoveStockInput struct {
	TenantID      int64
	UserID        int64
	ProductID     int64
	Quantity      int64
	Reference     string
	Notes         string
	AllowNegative bool
}

// AdjustStockInput sets a product's stock to an absolute value.
type AdjustStockInput struct {
	TenantID  int64
	UserID    int64
	ProductID int64
	NewStock  int64
	Reason    string
}

// InitializeStockInput opens the ledger of a newly registered product.
type InitializeStockInput struct {
	TenantID  int64
	UserID    int64
	ProductID int64
	Quantity  int64
	UnitCost  decimal.NullDecimal
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	TenantID  int64
	ProductID int64
	Kind      MovementKind
	Reference string
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	TenantID  int64
	ProductID int64
	Kind      AlertKind
	Status    AlertStatus
	Limit     int
}

// LedgerReport is the outcome of replaying a product's movements.
type LedgerReport struct {
	ProductID  int64  `json:"product_id"`
	Stock      int64  `json:"stock"`
	Replayed   int64  `json:"replayed"`
	Movements  int    `json:"movements"`
	Consistent bool   `json:"consistent"`
	BrokenAt   int64  `json:"broken_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// StockSummary aggregates tenant level stock figures.
type StockSummary struct {
	Products        int             `json:"products"`
	UnitsOnHand     int64           `json:"units_on_hand"`
	InventoryValue  decimal.Decimal `json:"inventory_value"`
	LowStock        int             `json:"low_stock"`
	OutOfStock      int             `json:"out_of_stock"`
	ActiveAlerts    int             `json:"active_alerts"`
	RecentMovements int             `json:"recent_movements"`
}

// ProductTotals is the repository projection behind StockSummary.
type ProductTotals struct {
	Products       int
	UnitsOnHand    int64
	InventoryValue decimal.Decimal
	LowStock       int
	OutOfStock     int
}
