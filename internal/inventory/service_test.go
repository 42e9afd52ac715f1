package inventory_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/inventory/inventorytest"
	"github.com/stockroom/stockroom/internal/platform/cache"
)

const tenant = int64(1)

func newService(store *inventorytest.Store) *inventory.Service {
	return inventory.NewService(store, nil, nil, nil, nil, inventory.ServiceConfig{ConflictRetries: 1})
}

func TestRemoveStockCreatesLowStockAlert(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 10, MinStock: 5})

	movement, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, UserID: 2, ProductID: p.ID, Quantity: 6})
	require.NoError(t, err)
	require.Equal(t, int64(-6), movement.Quantity)
	require.Equal(t, int64(10), movement.StockBefore)
	require.Equal(t, int64(4), movement.StockAfter)
	require.Equal(t, inventory.MovementExit, movement.Kind)
	require.Equal(t, int64(4), store.Product(p.ID).Stock)

	alerts := store.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, inventory.AlertLowStock, alerts[0].Kind)
	require.Equal(t, inventory.AlertActive, alerts[0].Status)
	require.Equal(t, int64(4), alerts[0].CurrentStock)

	// Continuing: an oversized removal fails without touching the ledger.
	before := len(store.Movements())
	_, err = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, UserID: 2, ProductID: p.ID, Quantity: 10})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Equal(t, "P", insufficient.ProductName)
	require.Equal(t, int64(10), insufficient.Requested)
	require.Equal(t, int64(4), insufficient.Available)
	require.Equal(t, int64(4), store.Product(p.ID).Stock)
	require.Len(t, store.Movements(), before)
}

func TestRemoveStockAllowNegative(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 2, MinStock: 1})

	movement, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 5, AllowNegative: true})
	require.NoError(t, err)
	require.Equal(t, int64(-3), movement.StockAfter)

	alerts := store.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, inventory.AlertOutOfStock, alerts[0].Kind)
}

func TestStockOperationsRejectInvalidInput(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 3})

	_, err := svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 0})
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)
	_, err = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: -1})
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)
	_, err = svc.AdjustStock(ctx, inventory.AdjustStockInput{TenantID: tenant, ProductID: p.ID, NewStock: -1})
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)
	_, err = svc.AdjustStock(ctx, inventory.AdjustStockInput{TenantID: tenant, ProductID: p.ID, NewStock: 3})
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)
	_, err = svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: 999, Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrNotFound)
	_, err = svc.AddStock(ctx, inventory.AddStockInput{TenantID: 2, ProductID: p.ID, Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrNotFound)

	require.Len(t, store.Movements(), 1)
	require.Equal(t, int64(3), store.Product(p.ID).Stock)
}

func TestAddStockResolvesAlerts(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 3, MinStock: 5})

	_, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 3})
	require.NoError(t, err)
	_, err = svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)

	alerts := store.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, inventory.AlertOutOfStock, alerts[0].Kind)
	require.Equal(t, inventory.AlertResolved, alerts[0].Status)
	require.NotNil(t, alerts[0].ResolvedAt)

	cost := decimal.RequireFromString("4.25")
	movement, err := svc.AddStock(ctx, inventory.AddStockInput{
		TenantID:  tenant,
		ProductID: p.ID,
		Quantity:  10,
		UnitCost:  decimal.NewNullDecimal(cost),
		Reference: "PO-77",
	})
	require.NoError(t, err)
	require.True(t, movement.UnitCost.Valid)
	require.True(t, cost.Equal(movement.UnitCost.Decimal))
	require.Equal(t, int64(12), movement.StockAfter)
}

func TestAdjustStockRecordsDifference(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 8, MinStock: 2})

	movement, err := svc.AdjustStock(ctx, inventory.AdjustStockInput{TenantID: tenant, ProductID: p.ID, NewStock: 1, Reason: "cycle count"})
	require.NoError(t, err)
	require.Equal(t, inventory.MovementAdjustment, movement.Kind)
	require.Equal(t, int64(-7), movement.Quantity)
	require.Equal(t, "Inventory adjustment: cycle count", movement.Notes)
	require.Len(t, store.Alerts(), 1)

	movement, err = svc.AdjustStock(ctx, inventory.AdjustStockInput{TenantID: tenant, ProductID: p.ID, NewStock: 5})
	require.NoError(t, err)
	require.Equal(t, int64(4), movement.Quantity)
	require.Equal(t, "Inventory adjustment", movement.Notes)
	require.Equal(t, inventory.AlertResolved, store.Alerts()[0].Status)
}

func TestAlertsStayUniquePerKind(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 10, MinStock: 8})

	for i := 0; i < 3; i++ {
		_, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
		require.NoError(t, err)
	}
	active := 0
	for _, a := range store.Alerts() {
		if a.Status == inventory.AlertActive && a.Kind == inventory.AlertLowStock {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestAlertFailureDoesNotBlockStockChange(t *testing.T) {
	store := inventorytest.New()
	store.AlertErr = errors.New("alerts table locked")
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 10, MinStock: 5})

	movement, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 9})
	require.NoError(t, err)
	require.Equal(t, int64(1), movement.StockAfter)
	require.Equal(t, int64(1), store.Product(p.ID).Stock)
	require.Empty(t, store.Alerts())
}

func TestConflictIsRetried(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 10})

	store.Conflicts = 1
	_, err := svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 2, store.Attempts)
	require.Equal(t, int64(11), store.Product(p.ID).Stock)

	store.Conflicts = 2
	_, err = svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrConcurrencyConflict)
	require.Equal(t, int64(11), store.Product(p.ID).Stock)
}

func TestLedgerReplaysToLiveStock(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 50, MinStock: 10})

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		qty := int64(rng.Intn(9) + 1)
		switch rng.Intn(3) {
		case 0:
			_, _ = svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: qty})
		case 1:
			_, _ = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: qty})
		default:
			_, _ = svc.AdjustStock(ctx, inventory.AdjustStockInput{TenantID: tenant, ProductID: p.ID, NewStock: int64(rng.Intn(60))})
		}
		require.GreaterOrEqual(t, store.Product(p.ID).Stock, int64(0))
	}

	report, err := svc.VerifyLedger(ctx, tenant, p.ID)
	require.NoError(t, err)
	require.True(t, report.Consistent, report.Reason)
	require.Equal(t, store.Product(p.ID).Stock, report.Replayed)

	store.SetStock(p.ID, report.Stock+1)
	report, err = svc.VerifyLedger(ctx, tenant, p.ID)
	require.NoError(t, err)
	require.False(t, report.Consistent)
}

// racingStore commits a removal right before the ledger read.
type racingStore struct {
	*inventorytest.Store
	writer *inventory.Service
	once   sync.Once
}

func (r *racingStore) ProductLedger(ctx context.Context, tenantID, productID int64) (inventory.Product, []inventory.Movement, error) {
	r.once.Do(func() {
		_, _ = r.writer.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenantID, ProductID: productID, Quantity: 3})
	})
	return r.Store.ProductLedger(ctx, tenantID, productID)
}

func TestVerifyLedgerReadsOneSnapshot(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 10})

	racing := &racingStore{Store: store, writer: newService(store)}
	svc := inventory.NewService(racing, nil, nil, nil, nil, inventory.ServiceConfig{})
	report, err := svc.VerifyLedger(ctx, tenant, p.ID)
	require.NoError(t, err)
	require.True(t, report.Consistent, report.Reason)
	require.Equal(t, int64(7), report.Stock)
	require.Equal(t, int64(7), report.Replayed)
}

func TestVerifyLedgerUnderConcurrentWrites(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 500})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 2})
			_, _ = svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
		}
	}()
	for i := 0; i < 100; i++ {
		report, err := svc.VerifyLedger(ctx, tenant, p.ID)
		require.NoError(t, err)
		require.True(t, report.Consistent, report.Reason)
	}
	wg.Wait()
	require.Equal(t, int64(400), store.Product(p.ID).Stock)
}

func TestInitializeStock(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P"})

	movement, err := svc.InitializeStock(ctx, inventory.InitializeStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 15})
	require.NoError(t, err)
	require.Equal(t, inventory.MovementInitial, movement.Kind)
	require.Equal(t, int64(0), movement.StockBefore)
	require.Equal(t, int64(15), movement.StockAfter)

	_, err = svc.InitializeStock(ctx, inventory.InitializeStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)
}

func TestDismissAlertAndNotificationSweep(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 6, MinStock: 5})
	q := store.Seed(inventory.Product{TenantID: tenant, Name: "Q", Stock: 1})

	_, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: q.ID, Quantity: 1})
	require.NoError(t, err)

	pending, err := svc.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, svc.MarkNotified(ctx, []int64{pending[0].ID}))
	pending, err = svc.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	alert, err := svc.DismissAlert(ctx, tenant, 3, pending[0].ID)
	require.NoError(t, err)
	require.Equal(t, inventory.AlertDismissed, alert.Status)
	_, err = svc.DismissAlert(ctx, tenant, 3, pending[0].ID)
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)
	_, err = svc.DismissAlert(ctx, 99, 3, pending[0].ID)
	require.ErrorIs(t, err, inventory.ErrNotFound)

	active, err := svc.ListAlerts(ctx, inventory.AlertFilter{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestListMovementsFiltersAndPages(t *testing.T) {
	store := inventorytest.New()
	svc := newService(store)
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 100})
	for i := 0; i < 5; i++ {
		_, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1, Reference: "COUNT"})
		require.NoError(t, err)
	}

	items, page, err := svc.ListMovements(ctx, inventory.MovementFilter{TenantID: tenant, Kind: inventory.MovementExit, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 5, page.Total)
	require.Equal(t, 3, page.TotalPages)
	require.Greater(t, items[0].ID, items[1].ID)

	_, _, err = svc.ListMovements(ctx, inventory.MovementFilter{TenantID: tenant, Kind: "LOST"})
	require.ErrorIs(t, err, inventory.ErrInvalidOperation)

	m, err := svc.GetMovement(ctx, tenant, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, "COUNT", m.Reference)
	_, err = svc.GetMovement(ctx, 2, items[0].ID)
	require.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestSummaryIsCachedUntilWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := inventorytest.New()
	versioned := cache.NewVersioned(client, "test", time.Minute)
	svc := inventory.NewService(store, nil, versioned, nil, nil, inventory.ServiceConfig{})
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 4, MinStock: 5, Cost: decimal.NewFromInt(2)})

	summary, err := svc.Summary(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Products)
	require.Equal(t, int64(4), summary.UnitsOnHand)
	require.Equal(t, 1, summary.LowStock)
	require.True(t, decimal.NewFromInt(8).Equal(summary.InventoryValue))

	// A direct write bypassing the service is invisible while cached.
	store.SetStock(p.ID, 40)
	summary, err = svc.Summary(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, int64(4), summary.UnitsOnHand)

	_, err = svc.AddStock(ctx, inventory.AddStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)
	summary, err = svc.Summary(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, int64(41), summary.UnitsOnHand)
	require.Equal(t, 0, summary.LowStock)
}

// gatedCache holds FetchJSON until released and fails like Redis does on a
// cancelled context.
type gatedCache struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedCache) BuildKey(context.Context, int64, ...string) (string, error) {
	return "summary", nil
}

func (c *gatedCache) FetchJSON(ctx context.Context, _ string, dest any, loader func(context.Context) (any, error)) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := loader(ctx)
	if err != nil {
		return err
	}
	*dest.(*inventory.StockSummary) = v.(inventory.StockSummary)
	return nil
}

func (c *gatedCache) Bump(context.Context, int64) error { return nil }

func TestSummarySurvivesFirstCallerCancel(t *testing.T) {
	store := inventorytest.New()
	gate := &gatedCache{entered: make(chan struct{}), release: make(chan struct{})}
	svc := inventory.NewService(store, nil, gate, nil, nil, inventory.ServiceConfig{})
	store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 4})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Summary(first, tenant)
		firstErr <- err
	}()
	<-gate.entered

	type result struct {
		summary inventory.StockSummary
		err     error
	}
	second := make(chan result, 1)
	go func() {
		summary, err := svc.Summary(context.Background(), tenant)
		second <- result{summary, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(gate.release)

	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, int64(4), got.summary.UnitsOnHand)
}

func TestRaisedAlertsReachHook(t *testing.T) {
	store := inventorytest.New()
	var got []inventory.StockAlert
	svc := inventory.NewService(store, nil, nil, nil, nil, inventory.ServiceConfig{
		OnAlerts: func(_ context.Context, alerts []inventory.StockAlert) {
			got = append(got, alerts...)
		},
	})
	ctx := context.Background()
	p := store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 10, MinStock: 5})

	_, err := svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, inventory.AlertLowStock, got[0].Kind)

	// An already active alert is not raised again.
	_, err = svc.RemoveStock(ctx, inventory.RemoveStockInput{TenantID: tenant, ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
