package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/inventory/inventorytest"
)

// memoryRepo keeps catalog attributes next to the shared ledger store.
type memoryRepo struct {
	store    *inventorytest.Store
	mu       sync.Mutex
	products map[int64]Product
	deleted  map[int64]bool
}

type memoryTx struct {
	*inventorytest.Tx
	products map[int64]Product
	deleted  map[int64]bool
}

func newMemoryRepo(store *inventorytest.Store) *memoryRepo {
	return &memoryRepo{store: store, products: map[int64]Product{}, deleted: map[int64]bool{}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := r.store.Conflict(); err != nil {
		return err
	}
	itx := r.store.Begin()
	r.mu.Lock()
	tx := &memoryTx{Tx: itx, products: make(map[int64]Product, len(r.products)), deleted: make(map[int64]bool, len(r.deleted))}
	for k, v := range r.products {
		tx.products[k] = v
	}
	for k, v := range r.deleted {
		tx.deleted[k] = v
	}
	r.mu.Unlock()
	if err := fn(ctx, tx); err != nil {
		itx.Rollback()
		return err
	}
	r.mu.Lock()
	r.products, r.deleted = tx.products, tx.deleted
	r.mu.Unlock()
	itx.Commit()
	return nil
}

func (tx *memoryTx) InsertProduct(_ context.Context, p Product) (Product, error) {
	for id, existing := range tx.products {
		if tx.deleted[id] || existing.TenantID != p.TenantID {
			continue
		}
		if existing.SKU == p.SKU || (p.Barcode != "" && existing.Barcode == p.Barcode) {
			return Product{}, ErrDuplicate
		}
	}
	row := tx.PutProduct(inventory.Product{
		TenantID: p.TenantID,
		SKU:      p.SKU,
		Name:     p.Name,
		Price:    p.Price,
		Cost:     p.Cost,
		MinStock: p.MinStock,
		MaxStock: p.MaxStock,
	})
	p.ID = row.ID
	p.Stock = 0
	p.CreatedAt = row.UpdatedAt
	p.UpdatedAt = row.UpdatedAt
	tx.products[p.ID] = p
	return p, nil
}

func (tx *memoryTx) SoftDelete(_ context.Context, tenantID, productID int64, at time.Time) error {
	if err := tx.DeleteProduct(tenantID, productID); err != nil {
		return ErrNotFound
	}
	p := tx.products[productID]
	p.IsActive = false
	p.UpdatedAt = at
	tx.products[productID] = p
	tx.deleted[productID] = true
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, productID int64) (Product, error) {
	live, err := r.store.GetProduct(ctx, tenantID, productID)
	if errors.Is(err, inventory.ErrNotFound) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.products[productID]
	p.Stock = live.Stock
	return p, nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter) ([]Product, int, error) {
	r.mu.Lock()
	var matched []Product
	search := strings.ToLower(f.Search)
	for id, p := range r.products {
		switch {
		case r.deleted[id] || p.TenantID != f.TenantID:
		case f.CategoryID != nil && (p.CategoryID == nil || *p.CategoryID != *f.CategoryID):
		case f.SupplierID != nil && (p.SupplierID == nil || *p.SupplierID != *f.SupplierID):
		case f.IsActive != nil && p.IsActive != *f.IsActive:
		case search != "" && !strings.Contains(strings.ToLower(p.Name+" "+p.SKU+" "+p.Barcode), search):
		default:
			matched = append(matched, p)
		}
	}
	r.mu.Unlock()
	for i := range matched {
		matched[i].Stock = r.store.Product(matched[i].ID).Stock
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ID < matched[j].ID
	})
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

var _ TxRepository = (*memoryTx)(nil)
