package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/db"
	"github.com/stockroom/stockroom/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, tenantID, productID int64) (Product, error)
	List(ctx context.Context, filter ListFilter) ([]Product, int, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ConflictRetries int
}

// Service registers, reads and retires catalog products.
type Service struct {
	repo    RepositoryPort
	stock   *inventory.Service
	ledger  *inventory.Ledger
	audit   AuditPort
	logger  *slog.Logger
	retries int
	now     func() time.Time
}

// NewService builds Service. audit may be nil.
func NewService(repo RepositoryPort, stock *inventory.Service, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		stock:   stock,
		ledger:  stock.Ledger(),
		audit:   audit,
		logger:  logger,
		retries: cfg.ConflictRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) validate(in RegisterInput) error {
	if in.TenantID == 0 {
		return invalidProduct("tenant required")
	}
	if strings.TrimSpace(in.SKU) == "" {
		return invalidProduct("product sku is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return invalidProduct("product name is required")
	}
	if in.Price.IsNegative() || in.Cost.IsNegative() {
		return invalidProduct("price and cost cannot be negative")
	}
	if in.InitialStock < 0 {
		return invalidProduct("initial stock cannot be negative")
	}
	if in.MinStock != nil && *in.MinStock < 0 {
		return invalidProduct("min_stock cannot be negative")
	}
	if in.MaxStock != nil {
		floor := DefaultMinStock
		if in.MinStock != nil {
			floor = *in.MinStock
		}
		if *in.MaxStock < floor {
			return invalidProduct("max_stock must not be below min_stock")
		}
	}
	return nil
}

// Register inserts the product with zero stock and writes its INITIAL movement
// in the same transaction, so the ledger sums to the live stock from the first row.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Product, error) {
	if err := s.validate(in); err != nil {
		return Product{}, err
	}
	minStock := DefaultMinStock
	if in.MinStock != nil {
		minStock = *in.MinStock
	}
	draft := Product{
		TenantID:    in.TenantID,
		SKU:         strings.TrimSpace(in.SKU),
		Barcode:     strings.TrimSpace(in.Barcode),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Price:       in.Price.Round(2),
		Cost:        in.Cost.Round(2),
		MinStock:    minStock,
		MaxStock:    in.MaxStock,
		CategoryID:  in.CategoryID,
		SupplierID:  in.SupplierID,
		IsActive:    true,
	}

	var (
		product Product
		posting inventory.Posting
	)
	err := s.runTx(ctx, "catalog.product.create", func(ctx context.Context, tx TxRepository) error {
		created, err := tx.InsertProduct(ctx, draft)
		if err != nil {
			return err
		}
		posting, err = s.ledger.Initialize(ctx, tx, inventory.InitializeStockInput{
			TenantID:  created.TenantID,
			UserID:    in.UserID,
			ProductID: created.ID,
			Quantity:  in.InitialStock,
			UnitCost:  decimal.NewNullDecimal(created.Cost),
		})
		if err != nil {
			return err
		}
		created.Stock = posting.Product.Stock
		product = created
		return nil
	})
	if err != nil {
		return Product{}, err
	}

	s.stock.Published(ctx, "catalog.product.create", in.TenantID, in.UserID, posting)
	s.record(ctx, "catalog.product.create", product, in.UserID)
	s.logger.Info("product registered",
		slog.Int64("tenant_id", product.TenantID),
		slog.Int64("product_id", product.ID),
		slog.String("sku", product.SKU),
		slog.Int64("stock", product.Stock))
	return product, nil
}

// Get returns a live product of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, productID int64) (Product, error) {
	if productID <= 0 {
		return Product{}, invalidProduct("invalid product ID")
	}
	product, err := s.repo.Get(ctx, tenantID, productID)
	if errors.Is(err, ErrNotFound) {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	return product, err
}

// List returns live products with pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	filter.Search = strings.TrimSpace(filter.Search)
	products, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return products, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Delete soft deletes a product. Its ledger is kept for audit.
func (s *Service) Delete(ctx context.Context, tenantID, userID, productID int64) error {
	if productID <= 0 {
		return invalidProduct("invalid product ID")
	}
	var product Product
	err := s.runTx(ctx, "catalog.product.delete", func(ctx context.Context, tx TxRepository) error {
		locked, err := s.ledger.Lock(ctx, tx, tenantID, productID)
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return fmt.Errorf("%w: product %d", ErrNotFound, productID)
			}
			return err
		}
		if err := tx.SoftDelete(ctx, tenantID, productID, s.now()); err != nil {
			return err
		}
		product = Product{ID: locked.ID, TenantID: locked.TenantID, SKU: locked.SKU, Name: locked.Name, Stock: locked.Stock}
		return nil
	})
	if err != nil {
		return err
	}
	s.stock.Published(ctx, "catalog.product.delete", tenantID, userID)
	s.record(ctx, "catalog.product.delete", product, userID)
	s.logger.Info("product deleted", slog.Int64("tenant_id", tenantID), slog.Int64("product_id", productID))
	return nil
}

func (s *Service) runTx(ctx context.Context, operation string, fn func(context.Context, TxRepository) error) error {
	err := db.RetryOnConflict(ctx, s.retries, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
	if err == nil || !errors.Is(err, db.ErrSerialization) {
		return err
	}
	s.logger.Warn("catalog conflict", slog.String("operation", operation), slog.Any("error", err))
	return fmt.Errorf("%w: %v", inventory.ErrConcurrencyConflict, err)
}

func (s *Service) record(ctx context.Context, action string, product Product, actorID int64) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: product.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "product",
		EntityID: strconv.FormatInt(product.ID, 10),
		Meta: map[string]any{
			"sku":   product.SKU,
			"name":  product.Name,
			"stock": product.Stock,
		},
	})
}
