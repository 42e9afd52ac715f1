package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stockroom/stockroom/internal/platform/db"
	"github.com/stockroom/stockroom/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMovement(ctx context.Context, tenantID, movementID int64) (Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	ProductLedger(ctx context.Context, tenantID, productID int64) (Product, []Movement, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]StockAlert, error)
	ListUnnotifiedAlerts(ctx context.Context, limit int) ([]StockAlert, error)
	MarkAlertsNotified(ctx context.Context, alertIDs []int64) error
	ProductTotals(ctx context.Context, tenantID int64) (ProductTotals, error)
	CountActiveAlerts(ctx context.Context, tenantID int64) (int, error)
	CountMovementsSince(ctx context.Context, tenantID int64, since time.Time) (int, error)
	ListProductRefs(ctx context.Context, afterID int64, limit int) ([]ProductRef, error)
}

// ProductRef identifies a product across tenants for batch jobs.
type ProductRef struct {
	TenantID int64
	ID       int64
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CachePort is the versioned read cache. Writes bump the tenant version.
type CachePort interface {
	BuildKey(ctx context.Context, tenantID int64, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context, tenantID int64) error
}

// MetricsPort receives ledger counters after commit.
type MetricsPort interface {
	ObserveMovement(kind string, quantity int64)
	ObserveAlert(kind string)
	ObserveConflict(operation string)
}

const summaryBuildTimeout = 10 * time.Second

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ConflictRetries int
	// OnAlerts runs after commit when a mutation raised new alerts.
	OnAlerts func(ctx context.Context, alerts []StockAlert)
}

// Service coordinates stock operations.
type Service struct {
	repo     RepositoryPort
	ledger   *Ledger
	audit    AuditPort
	cache    CachePort
	metrics  MetricsPort
	logger   *slog.Logger
	retries  int
	onAlerts func(context.Context, []StockAlert)
	group    singleflight.Group
	now      func() time.Time
}

// NewService builds Service. audit, cache and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache CachePort, metrics MetricsPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		ledger:   NewLedger(logger),
		audit:    audit,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
		retries:  cfg.ConflictRetries,
		onAlerts: cfg.OnAlerts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddStock posts an ENTRY movement.
func (s *Service) AddStock(ctx context.Context, in AddStockInput) (Movement, error) {
	if in.Quantity <= 0 {
		return Movement{}, invalidOperation("quantity must be positive")
	}
	if in.UnitCost.Valid && in.UnitCost.Decimal.IsNegative() {
		return Movement{}, invalidOperation("unit cost cannot be negative")
	}
	entry := Entry{
		Kind:      MovementEntry,
		Quantity:  in.Quantity,
		UnitCost:  in.UnitCost,
		Reference: in.Reference,
		Notes:     in.Notes,
		UserID:    in.UserID,
	}
	return s.post(ctx, "inventory.stock.add", in.TenantID, in.UserID, in.ProductID, func(Product) (Entry, error) {
		return entry, nil
	})
}

// RemoveStock posts an EXIT movement. Stock may only go negative with AllowNegative.
func (s *Service) RemoveStock(ctx context.Context, in RemoveStockInput) (Movement, error) {
	if in.Quantity <= 0 {
		return Movement{}, invalidOperation("quantity must be positive")
	}
	entry := Entry{
		Kind:          MovementExit,
		Quantity:      -in.Quantity,
		Reference:     in.Reference,
		Notes:         in.Notes,
		UserID:        in.UserID,
		AllowNegative: in.AllowNegative,
	}
	return s.post(ctx, "inventory.stock.remove", in.TenantID, in.UserID, in.ProductID, func(Product) (Entry, error) {
		return entry, nil
	})
}

// AdjustStock sets the product stock to NewStock via an ADJUSTMENT movement.
func (s *Service) AdjustStock(ctx context.Context, in AdjustStockInput) (Movement, error) {
	if in.NewStock < 0 {
		return Movement{}, invalidOperation("new stock cannot be negative")
	}
	notes := "Inventory adjustment"
	if in.Reason != "" {
		notes += ": " + in.Reason
	}
	return s.post(ctx, "inventory.stock.adjust", in.TenantID, in.UserID, in.ProductID, func(p Product) (Entry, error) {
		if in.NewStock == p.Stock {
			return Entry{}, invalidOperation("new stock equals current stock")
		}
		return Entry{
			Kind:     MovementAdjustment,
			Quantity: in.NewStock - p.Stock,
			Notes:    notes,
			UserID:   in.UserID,
		}, nil
	})
}

// InitializeStock opens the ledger of a product that has no movements yet.
func (s *Service) InitializeStock(ctx context.Context, in InitializeStockInput) (Movement, error) {
	var posting Posting
	err := s.RunTx(ctx, "inventory.stock.initialize", func(ctx context.Context, tx TxRepository) error {
		var err error
		posting, err = s.ledger.Initialize(ctx, tx, in)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.Published(ctx, "inventory.stock.initialize", in.TenantID, in.UserID, posting)
	return posting.Movement, nil
}

func (s *Service) post(ctx context.Context, action string, tenantID, userID, productID int64, build func(Product) (Entry, error)) (Movement, error) {
	if tenantID == 0 || productID == 0 {
		return Movement{}, invalidOperation("tenant and product required")
	}
	var posting Posting
	err := s.RunTx(ctx, action, func(ctx context.Context, tx TxRepository) error {
		product, err := s.ledger.Lock(ctx, tx, tenantID, productID)
		if err != nil {
			return err
		}
		entry, err := build(product)
		if err != nil {
			return err
		}
		posting, err = s.ledger.Post(ctx, tx, product, entry)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.Published(ctx, action, tenantID, userID, posting)
	return posting.Movement, nil
}

// Ledger exposes the shared posting primitives.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// RunTx runs fn in a fresh transaction, re-running it from scratch on
// serialization failures until the retry budget is spent.
func (s *Service) RunTx(ctx context.Context, operation string, fn func(context.Context, TxRepository) error) error {
	err := db.RetryOnConflict(ctx, s.retries, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
	return s.conflict(operation, err)
}

func (s *Service) conflict(operation string, err error) error {
	if err == nil || !errors.Is(err, db.ErrSerialization) {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveConflict(operation)
	}
	s.logger.Warn("stock operation conflict", slog.String("operation", operation), slog.Any("error", err))
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
}

// Published runs the post-commit side channels: metrics, cache bump and audit.
func (s *Service) Published(ctx context.Context, action string, tenantID, actorID int64, postings ...Posting) {
	var raised []StockAlert
	for _, p := range postings {
		raised = append(raised, p.Alerts...)
		if s.metrics != nil {
			s.metrics.ObserveMovement(string(p.Movement.Kind), p.Movement.Quantity)
			for _, a := range p.Alerts {
				s.metrics.ObserveAlert(string(a.Kind))
			}
		}
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				TenantID: tenantID,
				ActorID:  actorID,
				Action:   action,
				Entity:   "inventory_movement",
				EntityID: strconv.FormatInt(p.Movement.ID, 10),
				Meta: map[string]any{
					"product_id":   p.Movement.ProductID,
					"kind":         p.Movement.Kind,
					"quantity":     p.Movement.Quantity,
					"stock_after":  p.Movement.StockAfter,
					"reference":    p.Movement.Reference,
					"alerts_added": len(p.Alerts),
				},
				At: p.Movement.CreatedAt,
			})
		}
	}
	s.bump(ctx, tenantID)
	if len(raised) > 0 && s.onAlerts != nil {
		s.onAlerts(ctx, raised)
	}
}

func (s *Service) bump(ctx context.Context, tenantID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx, tenantID); err != nil {
		s.logger.Warn("cache bump failed", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
	}
}

// GetMovement returns one movement of the tenant.
func (s *Service) GetMovement(ctx context.Context, tenantID, movementID int64) (Movement, error) {
	m, err := s.repo.GetMovement(ctx, tenantID, movementID)
	if errors.Is(err, ErrNotFound) {
		return Movement{}, fmt.Errorf("%w: movement %d", ErrNotFound, movementID)
	}
	return m, err
}

// ListMovements returns movements newest first with pagination metadata.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, shared.Pagination{}, invalidOperation(fmt.Sprintf("unknown movement kind %q", filter.Kind))
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, shared.Pagination{}, invalidOperation("date range is inverted")
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// VerifyLedger replays a product's movements in id order and checks them
// against the live stock value.
func (s *Service) VerifyLedger(ctx context.Context, tenantID, productID int64) (LedgerReport, error) {
	product, movements, err := s.repo.ProductLedger(ctx, tenantID, productID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LedgerReport{}, ProductNotFound(productID)
		}
		return LedgerReport{}, err
	}
	return Replay(product, movements), nil
}

// Replay checks the movement walk of a product. Movements must be in id order.
func Replay(product Product, movements []Movement) LedgerReport {
	report := LedgerReport{ProductID: product.ID, Stock: product.Stock, Movements: len(movements), Consistent: true}
	var running int64
	for i, m := range movements {
		switch {
		case m.StockAfter != m.StockBefore+m.Quantity:
			report.Consistent = false
			report.Reason = "stock_after differs from stock_before plus quantity"
		case i > 0 && m.StockBefore != movements[i-1].StockAfter:
			report.Consistent = false
			report.Reason = "stock_before does not continue the previous movement"
		case i == 0 && m.StockBefore != 0:
			report.Consistent = false
			report.Reason = "first movement does not start from zero"
		}
		running += m.Quantity
		if !report.Consistent {
			report.BrokenAt = m.ID
			report.Replayed = running
			return report
		}
	}
	report.Replayed = running
	if running != product.Stock {
		report.Consistent = false
		report.Reason = "movement sum differs from live stock"
	}
	return report
}

// ListAlerts returns alerts of the tenant, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]StockAlert, error) {
	if filter.Status == "" {
		filter.Status = AlertActive
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.ListAlerts(ctx, filter)
}

// DismissAlert moves an ACTIVE alert to DISMISSED.
func (s *Service) DismissAlert(ctx context.Context, tenantID, userID, alertID int64) (StockAlert, error) {
	var alert StockAlert
	err := s.RunTx(ctx, "inventory.alert.dismiss", func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAlertForUpdate(ctx, tenantID, alertID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: alert %d", ErrNotFound, alertID)
			}
			return err
		}
		if current.Status != AlertActive {
			return invalidOperation(fmt.Sprintf("alert is %s", current.Status))
		}
		now := s.now()
		if err := tx.UpdateAlertStatus(ctx, tenantID, alertID, AlertDismissed, now); err != nil {
			return err
		}
		current.Status = AlertDismissed
		current.ResolvedAt = &now
		alert = current
		return nil
	})
	if err != nil {
		return StockAlert{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: tenantID,
			ActorID:  userID,
			Action:   "inventory.alert.dismiss",
			Entity:   "stock_alert",
			EntityID: strconv.FormatInt(alertID, 10),
			Meta:     map[string]any{"product_id": alert.ProductID, "kind": alert.Kind},
		})
	}
	s.bump(ctx, tenantID)
	return alert, nil
}

// PendingNotifications returns ACTIVE alerts not yet notified, across tenants.
func (s *Service) PendingNotifications(ctx context.Context, limit int) ([]StockAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListUnnotifiedAlerts(ctx, limit)
}

// MarkNotified flags alerts as delivered.
func (s *Service) MarkNotified(ctx context.Context, alertIDs []int64) error {
	if len(alertIDs) == 0 {
		return nil
	}
	return s.repo.MarkAlertsNotified(ctx, alertIDs)
}

// ProductRefs pages through every live product for batch verification.
func (s *Service) ProductRefs(ctx context.Context, afterID int64, limit int) ([]ProductRef, error) {
	return s.repo.ListProductRefs(ctx, afterID, limit)
}

// Summary returns cached tenant stock figures. Concurrent callers share one build.
func (s *Service) Summary(ctx context.Context, tenantID int64) (StockSummary, error) {
	key := "summary"
	if s.cache != nil {
		k, err := s.cache.BuildKey(ctx, tenantID, "inventory", "summary")
		if err != nil {
			s.logger.Warn("summary cache key", slog.Any("error", err))
		} else {
			key = k
		}
	}
	ch := s.group.DoChan(strconv.FormatInt(tenantID, 10)+":"+key, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryBuildTimeout)
		defer cancel()
		var out StockSummary
		if s.cache == nil {
			return s.buildSummary(ctx, tenantID)
		}
		err := s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return s.buildSummary(ctx, tenantID)
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return StockSummary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return StockSummary{}, res.Err
		}
		return res.Val.(StockSummary), nil
	}
}

func (s *Service) buildSummary(ctx context.Context, tenantID int64) (StockSummary, error) {
	var (
		totals  ProductTotals
		alerts  int
		recent  int
		summary StockSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = s.repo.ProductTotals(gctx, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		alerts, err = s.repo.CountActiveAlerts(gctx, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = s.repo.CountMovementsSince(gctx, tenantID, s.now().AddDate(0, 0, -7))
		return err
	})
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("inventory: build summary: %w", err)
	}
	summary = StockSummary{
		Products:        totals.Products,
		UnitsOnHand:     totals.UnitsOnHand,
		InventoryValue:  totals.InventoryValue,
		LowStock:        totals.LowStock,
		OutOfStock:      totals.OutOfStock,
		ActiveAlerts:    alerts,
		RecentMovements: recent,
	}
	return summary, nil
}
