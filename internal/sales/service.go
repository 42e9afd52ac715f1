package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/db"
	"github.com/stockroom/stockroom/internal/shared"
)

const idempotencyModule = "sales.create"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, tenantID, saleID int64) (Sale, error)
	ListSales(ctx context.Context, filter ListSalesFilter) ([]Sale, int, error)
}

// IdempotencyPort records processed request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, tenantID int64, key, module string) error
	Delete(ctx context.Context, tenantID int64, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives sale counters after commit.
type MetricsPort interface {
	ObserveSale(event string, amount float64)
	ObserveConflict(operation string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ConflictRetries int
}

// Service runs the sale transaction protocol on top of the stock ledger.
type Service struct {
	repo        RepositoryPort
	stock       *inventory.Service
	ledger      *inventory.Ledger
	idempotency IdempotencyPort
	audit       AuditPort
	metrics     MetricsPort
	logger      *slog.Logger
	retries     int
	now         func() time.Time
}

// NewService builds Service. idempotency, audit and metrics may be nil.
func NewService(repo RepositoryPort, stock *inventory.Service, idem IdempotencyPort, audit AuditPort, metrics MetricsPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		stock:       stock,
		ledger:      stock.Ledger(),
		idempotency: idem,
		audit:       audit,
		metrics:     metrics,
		logger:      logger,
		retries:     cfg.ConflictRetries,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func validateCreate(in CreateSaleInput) error {
	if in.TenantID == 0 {
		return invalidSale("tenant required")
	}
	if !in.PaymentMethod.Valid() {
		return invalidSale(fmt.Sprintf("unknown payment method %q", in.PaymentMethod))
	}
	if len(in.Items) == 0 {
		return invalidSale("sale has no items")
	}
	for i, item := range in.Items {
		if item.ProductID <= 0 {
			return invalidSale(fmt.Sprintf("item %d: product required", i+1))
		}
		if item.Quantity <= 0 {
			return invalidSale(fmt.Sprintf("item %d: quantity must be positive", i+1))
		}
		if item.UnitPrice.Valid && item.UnitPrice.Decimal.IsNegative() {
			return invalidSale(fmt.Sprintf("item %d: unit price cannot be negative", i+1))
		}
	}
	return nil
}

// CreateSale records the sale, its items and one EXIT movement per item in a
// single transaction. Items are applied in order, so repeated products
// compound against the stock left by earlier lines.
func (s *Service) CreateSale(ctx context.Context, in CreateSaleInput) (Sale, error) {
	if err := validateCreate(in); err != nil {
		return Sale{}, err
	}
	if in.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, in.TenantID, in.IdempotencyKey, idempotencyModule); err != nil {
			return Sale{}, err
		}
	}

	var (
		sale     Sale
		postings []inventory.Posting
	)
	err := s.runTx(ctx, "sales.sale.create", func(ctx context.Context, tx TxRepository) error {
		postings = postings[:0]
		header, err := tx.InsertSale(ctx, Sale{
			TenantID:      in.TenantID,
			UserID:        in.UserID,
			TotalAmount:   decimal.Zero,
			PaymentMethod: in.PaymentMethod,
			Status:        SaleCompleted,
			Notes:         in.Notes,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return fmt.Errorf("sales: insert sale: %w", err)
		}
		reference := "SALE#" + strconv.FormatInt(header.ID, 10)
		total := decimal.Zero
		items := make([]SaleItem, 0, len(in.Items))
		for _, line := range in.Items {
			product, err := s.ledger.Lock(ctx, tx, in.TenantID, line.ProductID)
			if err != nil {
				return err
			}
			if product.Stock < line.Quantity {
				return &inventory.InsufficientStockError{
					ProductID:   product.ID,
					ProductName: product.Name,
					Requested:   line.Quantity,
					Available:   product.Stock,
				}
			}
			price := product.Price
			if line.UnitPrice.Valid {
				price = line.UnitPrice.Decimal
			}
			price = price.Round(2)
			subtotal := price.Mul(decimal.NewFromInt(line.Quantity))
			item, err := tx.InsertSaleItem(ctx, SaleItem{
				SaleID:      header.ID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    line.Quantity,
				UnitPrice:   price,
				Subtotal:    subtotal,
			})
			if err != nil {
				return fmt.Errorf("sales: insert item: %w", err)
			}
			posting, err := s.ledger.Post(ctx, tx, product, inventory.Entry{
				Kind:      inventory.MovementExit,
				Quantity:  -line.Quantity,
				UnitCost:  decimal.NewNullDecimal(product.Cost),
				Reference: reference,
				Notes:     "Point of sale",
				UserID:    in.UserID,
			})
			if err != nil {
				return err
			}
			postings = append(postings, posting)
			items = append(items, item)
			total = total.Add(subtotal)
		}
		if err := tx.UpdateSaleTotal(ctx, in.TenantID, header.ID, total); err != nil {
			return fmt.Errorf("sales: update total: %w", err)
		}
		header.TotalAmount = total
		header.Items = items
		sale = header
		return nil
	})
	if err != nil {
		if in.IdempotencyKey != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(ctx, in.TenantID, in.IdempotencyKey); delErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		return Sale{}, err
	}

	s.stock.Published(ctx, "sales.sale.create", in.TenantID, in.UserID, postings...)
	s.record(ctx, "sales.sale.create", sale, in.UserID)
	if s.metrics != nil {
		s.metrics.ObserveSale("created", sale.TotalAmount.InexactFloat64())
	}
	s.logger.Info("sale created",
		slog.Int64("tenant_id", sale.TenantID),
		slog.Int64("sale_id", sale.ID),
		slog.Int("items", len(sale.Items)),
		slog.String("total", sale.TotalAmount.StringFixed(2)))
	return sale, nil
}

// AnnulSale restores the stock of every item with ADJUSTMENT movements and
// marks the sale ANNULLED. Sale rows are never deleted.
func (s *Service) AnnulSale(ctx context.Context, in AnnulSaleInput) (Sale, error) {
	if in.TenantID == 0 || in.SaleID == 0 {
		return Sale{}, invalidSale("tenant and sale required")
	}
	var (
		sale     Sale
		postings []inventory.Posting
	)
	err := s.runTx(ctx, "sales.sale.annul", func(ctx context.Context, tx TxRepository) error {
		postings = postings[:0]
		current, err := tx.GetSaleForUpdate(ctx, in.TenantID, in.SaleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: sale %d", ErrNotFound, in.SaleID)
			}
			return err
		}
		if current.Status == SaleAnnulled {
			return ErrAlreadyAnnulled
		}
		reference := "ANNUL#" + strconv.FormatInt(current.ID, 10)
		for _, item := range current.Items {
			product, err := s.ledger.Lock(ctx, tx, in.TenantID, item.ProductID)
			if err != nil {
				return err
			}
			posting, err := s.ledger.Post(ctx, tx, product, inventory.Entry{
				Kind:      inventory.MovementAdjustment,
				Quantity:  item.Quantity,
				UnitCost:  decimal.NewNullDecimal(product.Cost),
				Reference: reference,
				Notes:     "Sale annulment",
				UserID:    in.UserID,
			})
			if err != nil {
				return err
			}
			postings = append(postings, posting)
		}
		now := s.now()
		if err := tx.MarkAnnulled(ctx, in.TenantID, current.ID, in.UserID, now); err != nil {
			return fmt.Errorf("sales: mark annulled: %w", err)
		}
		annulledBy := in.UserID
		current.Status = SaleAnnulled
		current.AnnulledBy = &annulledBy
		current.AnnulledAt = &now
		sale = current
		return nil
	})
	if err != nil {
		return Sale{}, err
	}

	s.stock.Published(ctx, "sales.sale.annul", in.TenantID, in.UserID, postings...)
	s.record(ctx, "sales.sale.annul", sale, in.UserID)
	if s.metrics != nil {
		s.metrics.ObserveSale("annulled", sale.TotalAmount.InexactFloat64())
	}
	s.logger.Info("sale annulled", slog.Int64("tenant_id", sale.TenantID), slog.Int64("sale_id", sale.ID))
	return sale, nil
}

// GetSale returns a sale with its items.
func (s *Service) GetSale(ctx context.Context, tenantID, saleID int64) (Sale, error) {
	sale, err := s.repo.GetSale(ctx, tenantID, saleID)
	if errors.Is(err, ErrNotFound) {
		return Sale{}, fmt.Errorf("%w: sale %d", ErrNotFound, saleID)
	}
	return sale, err
}

// ListSales returns sales newest first with pagination metadata.
func (s *Service) ListSales(ctx context.Context, filter ListSalesFilter) ([]Sale, shared.Pagination, error) {
	if filter.PaymentMethod != "" && !filter.PaymentMethod.Valid() {
		return nil, shared.Pagination{}, invalidSale(fmt.Sprintf("unknown payment method %q", filter.PaymentMethod))
	}
	if filter.Status != "" && filter.Status != SaleCompleted && filter.Status != SaleAnnulled {
		return nil, shared.Pagination{}, invalidSale(fmt.Sprintf("unknown status %q", filter.Status))
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	sales, total, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return sales, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (s *Service) runTx(ctx context.Context, operation string, fn func(context.Context, TxRepository) error) error {
	err := db.RetryOnConflict(ctx, s.retries, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
	if err == nil || !errors.Is(err, db.ErrSerialization) {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveConflict(operation)
	}
	s.logger.Warn("sale conflict", slog.String("operation", operation), slog.Any("error", err))
	return fmt.Errorf("%w: %v", inventory.ErrConcurrencyConflict, err)
}

func (s *Service) record(ctx context.Context, action string, sale Sale, actorID int64) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: sale.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "sale",
		EntityID: strconv.FormatInt(sale.ID, 10),
		Meta: map[string]any{
			"status":         sale.Status,
			"total_amount":   sale.TotalAmount.StringFixed(2),
			"payment_method": sale.PaymentMethod,
			"items":          len(sale.Items),
		},
	})
}
