package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// TxRepository exposes the row-level primitives every stock mutation runs on.
// Implementations are bound to a single database transaction.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, tenantID, productID int64) (Product, error)
	UpdateProductStock(ctx context.Context, tenantID, productID, stock int64) error
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	CountMovements(ctx context.Context, tenantID, productID int64) (int, error)
	ListActiveAlerts(ctx context.Context, tenantID, productID int64) ([]StockAlert, error)
	InsertAlert(ctx context.Context, alert StockAlert) (StockAlert, error)
	GetAlertForUpdate(ctx context.Context, tenantID, alertID int64) (StockAlert, error)
	UpdateAlertStatus(ctx context.Context, tenantID, alertID int64, status AlertStatus, at time.Time) error
	// Savepoint runs fn in a nested transaction; its failure leaves the outer one intact.
	Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Entry describes one signed change to post against a locked product.
type Entry struct {
	Kind          MovementKind
	Quantity      int64
	UnitCost      decimal.NullDecimal
	Reference     string
	Notes         string
	UserID        int64
	AllowNegative bool
}

// Posting is the result of a committed-to-be entry.
type Posting struct {
	Movement Movement
	Product  Product
	Alerts   []StockAlert
}

// Ledger implements the lock, check, write, record and alert sequence shared by
// stock operations and sales. It never opens or commits transactions itself.
type Ledger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger builds a Ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Lock acquires the product row for the remainder of the transaction.
func (l *Ledger) Lock(ctx context.Context, tx TxRepository, tenantID, productID int64) (Product, error) {
	product, err := tx.GetProductForUpdate(ctx, tenantID, productID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Product{}, ProductNotFound(productID)
		}
		return Product{}, fmt.Errorf("inventory: lock product %d: %w", productID, err)
	}
	return product, nil
}

// Post applies entry to a product previously returned by Lock in the same tx.
func (l *Ledger) Post(ctx context.Context, tx TxRepository, product Product, entry Entry) (Posting, error) {
	if !entry.Kind.Valid() {
		return Posting{}, invalidOperation(fmt.Sprintf("unknown movement kind %q", entry.Kind))
	}
	before := product.Stock
	after := before + entry.Quantity
	if entry.Quantity < 0 && after < 0 && !entry.AllowNegative {
		return Posting{}, &InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   -entry.Quantity,
			Available:   before,
		}
	}
	if err := tx.UpdateProductStock(ctx, product.TenantID, product.ID, after); err != nil {
		return Posting{}, fmt.Errorf("inventory: update stock: %w", err)
	}
	movement, err := tx.InsertMovement(ctx, Movement{
		TenantID:    product.TenantID,
		ProductID:   product.ID,
		UserID:      entry.UserID,
		Kind:        entry.Kind,
		Quantity:    entry.Quantity,
		StockBefore: before,
		StockAfter:  after,
		UnitCost:    entry.UnitCost,
		Reference:   entry.Reference,
		Notes:       entry.Notes,
		CreatedAt:   l.now(),
	})
	if err != nil {
		return Posting{}, fmt.Errorf("inventory: insert movement: %w", err)
	}
	product.Stock = after
	l.logger.Info("stock movement posted",
		slog.Int64("tenant_id", product.TenantID),
		slog.Int64("product_id", product.ID),
		slog.String("kind", string(entry.Kind)),
		slog.Int64("quantity", entry.Quantity),
		slog.Int64("stock_before", before),
		slog.Int64("stock_after", after))

	alerts := l.evaluateAlerts(ctx, tx, product, directionOf(entry.Quantity))
	return Posting{Movement: movement, Product: product, Alerts: alerts}, nil
}

// Initialize writes the INITIAL movement of a product whose ledger is still empty.
func (l *Ledger) Initialize(ctx context.Context, tx TxRepository, in InitializeStockInput) (Posting, error) {
	if in.Quantity < 0 {
		return Posting{}, invalidOperation("initial quantity cannot be negative")
	}
	product, err := l.Lock(ctx, tx, in.TenantID, in.ProductID)
	if err != nil {
		return Posting{}, err
	}
	count, err := tx.CountMovements(ctx, in.TenantID, in.ProductID)
	if err != nil {
		return Posting{}, fmt.Errorf("inventory: count movements: %w", err)
	}
	if count > 0 {
		return Posting{}, invalidOperation("ledger already initialised")
	}
	// The opening row starts from zero so the running sum equals the live stock.
	product.Stock = 0
	return l.Post(ctx, tx, product, Entry{
		Kind:     MovementInitial,
		Quantity: in.Quantity,
		UnitCost: in.UnitCost,
		Notes:    "Initial stock",
		UserID:   in.UserID,
	})
}

// evaluateAlerts runs under a savepoint. Failures are logged and swallowed.
func (l *Ledger) evaluateAlerts(ctx context.Context, tx TxRepository, product Product, dir Direction) []StockAlert {
	if dir == DirectionNone {
		return nil
	}
	var created []StockAlert
	err := tx.Savepoint(ctx, func(ctx context.Context, sp TxRepository) error {
		active, err := sp.ListActiveAlerts(ctx, product.TenantID, product.ID)
		if err != nil {
			return err
		}
		now := l.now()
		plan := planAlerts(product, active, dir, now)
		if plan.empty() {
			return nil
		}
		for _, alert := range plan.resolve {
			if err := sp.UpdateAlertStatus(ctx, product.TenantID, alert.ID, AlertResolved, now); err != nil {
				return err
			}
			l.logger.Info("stock alert resolved",
				slog.Int64("product_id", product.ID),
				slog.String("kind", string(alert.Kind)),
				slog.Int64("stock", product.Stock))
		}
		for _, alert := range plan.create {
			saved, err := sp.InsertAlert(ctx, alert)
			if err != nil {
				return err
			}
			created = append(created, saved)
			l.logger.Warn("stock alert created",
				slog.Int64("product_id", product.ID),
				slog.String("kind", string(alert.Kind)),
				slog.Int64("stock", product.Stock),
				slog.Int64("threshold", alert.Threshold))
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("stock alert evaluation rolled back",
			slog.Int64("tenant_id", product.TenantID),
			slog.Int64("product_id", product.ID),
			slog.Any("error", err))
		return nil
	}
	return created
}
