package sales

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod enumerates how a sale was paid.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentCard     PaymentMethod = "CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
	PaymentOther    PaymentMethod = "OTHER"
)

// ParsePaymentMethod normalises case. Empty input defaults to cash.
func ParsePaymentMethod(raw string) PaymentMethod {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PaymentCash
	}
	return PaymentMethod(strings.ToUpper(raw))
}

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentOther:
		return true
	}
	return false
}

// SaleStatus tracks the sale lifecycle.
type SaleStatus string

const (
	SaleCompleted SaleStatus = "COMPLETED"
	SaleAnnulled  SaleStatus = "ANNULLED"
)

// Sale is a completed or annulled point-of-sale transaction.
type Sale struct {
	ID            int64           `json:"id"`
	TenantID      int64           `json:"tenant_id"`
	UserID        int64           `json:"user_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        SaleStatus      `json:"status"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	AnnulledBy    *int64          `json:"annulled_by,omitempty"`
	AnnulledAt    *time.Time      `json:"annulled_at,omitempty"`
	Items         []SaleItem      `json:"items"`
}

// SaleItem is an immutable line of a sale.
type SaleItem struct {
	ID          int64           `json:"id"`
	SaleID      int64           `json:"sale_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// ItemInput is one requested line. A missing unit price falls back to the
// product's list price.
type ItemInput struct {
	ProductID int64
	Quantity  int64
	UnitPrice decimal.NullDecimal
}

// CreateSaleInput describes a sale to record.
type CreateSaleInput struct {
	TenantID       int64
	UserID         int64
	PaymentMethod  PaymentMethod
	Items          []ItemInput
	Notes          string
	IdempotencyKey string
}

// AnnulSaleInput identifies the sale to annul and who annuls it.
type AnnulSaleInput struct {
	TenantID int64
	UserID   int64
	SaleID   int64
}

// ListSalesFilter narrows sale listings.
type ListSalesFilter struct {
	TenantID      int64
	Status        SaleStatus
	PaymentMethod PaymentMethod
	SellerID      int64
	From          time.Time
	To            time.Time
	Search        string
	Page          int
	PerPage       int
}
