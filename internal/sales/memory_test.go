package sales

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/inventory/inventorytest"
)

type memoryRepo struct {
	store    *inventorytest.Store
	mu       sync.Mutex
	sales    map[int64]Sale
	nextSale int64
	nextItem int64
}

type memoryTx struct {
	*inventorytest.Tx
	sales    map[int64]Sale
	nextSale int64
	nextItem int64
}

func newMemoryRepo(store *inventorytest.Store) *memoryRepo {
	return &memoryRepo{store: store, sales: map[int64]Sale{}}
}

func cloneSales(in map[int64]Sale) map[int64]Sale {
	out := make(map[int64]Sale, len(in))
	for k, v := range in {
		v.Items = append([]SaleItem(nil), v.Items...)
		out[k] = v
	}
	return out
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := r.store.Conflict(); err != nil {
		return err
	}
	itx := r.store.Begin()
	r.mu.Lock()
	tx := &memoryTx{Tx: itx, sales: cloneSales(r.sales), nextSale: r.nextSale, nextItem: r.nextItem}
	r.mu.Unlock()
	if err := fn(ctx, tx); err != nil {
		itx.Rollback()
		return err
	}
	r.mu.Lock()
	r.sales, r.nextSale, r.nextItem = tx.sales, tx.nextSale, tx.nextItem
	r.mu.Unlock()
	itx.Commit()
	return nil
}

func (tx *memoryTx) InsertSale(_ context.Context, sale Sale) (Sale, error) {
	tx.nextSale++
	sale.ID = tx.nextSale
	tx.sales[sale.ID] = sale
	return sale, nil
}

func (tx *memoryTx) InsertSaleItem(_ context.Context, item SaleItem) (SaleItem, error) {
	tx.nextItem++
	item.ID = tx.nextItem
	sale := tx.sales[item.SaleID]
	sale.Items = append(sale.Items, item)
	tx.sales[item.SaleID] = sale
	return item, nil
}

func (tx *memoryTx) UpdateSaleTotal(_ context.Context, _ int64, saleID int64, total decimal.Decimal) error {
	sale := tx.sales[saleID]
	sale.TotalAmount = total
	tx.sales[saleID] = sale
	return nil
}

func (tx *memoryTx) GetSaleForUpdate(_ context.Context, tenantID, saleID int64) (Sale, error) {
	sale, ok := tx.sales[saleID]
	if !ok || sale.TenantID != tenantID {
		return Sale{}, ErrNotFound
	}
	return sale, nil
}

func (tx *memoryTx) MarkAnnulled(_ context.Context, _ int64, saleID, userID int64, at time.Time) error {
	sale := tx.sales[saleID]
	if sale.Status == SaleAnnulled {
		return ErrAlreadyAnnulled
	}
	sale.Status = SaleAnnulled
	sale.AnnulledBy = &userID
	sale.AnnulledAt = &at
	tx.sales[saleID] = sale
	return nil
}

func (r *memoryRepo) GetSale(_ context.Context, tenantID, saleID int64) (Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sale, ok := r.sales[saleID]
	if !ok || sale.TenantID != tenantID {
		return Sale{}, ErrNotFound
	}
	return sale, nil
}

func (r *memoryRepo) ListSales(_ context.Context, f ListSalesFilter) ([]Sale, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Sale
	for _, s := range r.sales {
		switch {
		case s.TenantID != f.TenantID:
		case f.Status != "" && s.Status != f.Status:
		case f.PaymentMethod != "" && s.PaymentMethod != f.PaymentMethod:
		case f.SellerID != 0 && s.UserID != f.SellerID:
		case f.Search != "" && !matchesSearch(s, f.Search):
		default:
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	start := (f.Page - 1) * f.PerPage
	if start > total {
		start = total
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func matchesSearch(s Sale, search string) bool {
	if id, err := strconv.ParseInt(search, 10, 64); err == nil {
		return s.ID == id
	}
	for _, item := range s.Items {
		if strings.Contains(strings.ToLower(item.ProductName), strings.ToLower(search)) {
			return true
		}
	}
	return false
}

var _ TxRepository = (*memoryTx)(nil)
var _ inventory.TxRepository = (*memoryTx)(nil)
