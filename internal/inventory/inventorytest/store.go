// Package inventorytest provides an in-memory, transactional ledger store for
// tests of packages that post stock movements.
package inventorytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/db"
)

type state struct {
	products   map[int64]inventory.Product
	deleted    map[int64]bool
	movements  []inventory.Movement
	alerts     []inventory.StockAlert
	nextProd   int64
	nextMove   int64
	nextAlert  int64
	clockTicks int64
	base       time.Time
}

func (s state) clone() state {
	out := s
	out.products = make(map[int64]inventory.Product, len(s.products))
	for k, v := range s.products {
		out.products[k] = v
	}
	out.deleted = make(map[int64]bool, len(s.deleted))
	for k, v := range s.deleted {
		out.deleted[k] = v
	}
	out.movements = append([]inventory.Movement(nil), s.movements...)
	out.alerts = append([]inventory.StockAlert(nil), s.alerts...)
	return out
}

// Store serialises transactions with a single mutex, which models the row
// lock the product FOR UPDATE takes in PostgreSQL.
type Store struct {
	mu    sync.Mutex
	state state

	// AlertErr makes InsertAlert fail, exercising the savepoint rollback.
	AlertErr error
	// Conflicts makes the next n transactions fail with db.ErrSerialization.
	Conflicts int
	// Attempts counts WithTx calls.
	Attempts int
}

// New returns an empty store.
func New() *Store {
	return &Store{state: state{
		products: map[int64]inventory.Product{},
		deleted:  map[int64]bool{},
		base:     time.Now().UTC().Add(-time.Hour).Truncate(time.Second),
	}}
}

// Tx is a working copy of the store committed as a whole or discarded.
type Tx struct {
	store *Store
	st    *state
	done  bool
}

// Begin locks the store and opens a transaction. Callers must Commit or Rollback.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	working := s.state.clone()
	return &Tx{store: s, st: &working}
}

// Commit publishes the working copy.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.store.state = *tx.st
	tx.done = true
	tx.store.mu.Unlock()
}

// Rollback discards the working copy.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.store.mu.Unlock()
}

// WithTx implements inventory.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	if err := s.conflict(); err != nil {
		return err
	}
	tx := s.Begin()
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

// conflict consumes one injected serialization failure, if any.
func (s *Store) conflict() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attempts++
	if s.Conflicts > 0 {
		s.Conflicts--
		return fmt.Errorf("%w: could not serialize access due to concurrent update", db.ErrSerialization)
	}
	return nil
}

// Conflict is the exported form of the injected conflict check for stores
// that wrap this one.
func (s *Store) Conflict() error {
	return s.conflict()
}

func (st *state) tick() time.Time {
	st.clockTicks++
	return st.base.Add(time.Duration(st.clockTicks) * time.Second)
}

// Seed inserts a product and its INITIAL movement in one committed step.
func (s *Store) Seed(p inventory.Product) inventory.Product {
	tx := s.Begin()
	defer tx.Commit()
	stock := p.Stock
	p.Stock = 0
	p = tx.PutProduct(p)
	if stock != 0 {
		p.Stock = stock
		tx.st.products[p.ID] = p
		tx.st.nextMove++
		tx.st.movements = append(tx.st.movements, inventory.Movement{
			ID:          tx.st.nextMove,
			TenantID:    p.TenantID,
			ProductID:   p.ID,
			Kind:        inventory.MovementInitial,
			Quantity:    stock,
			StockBefore: 0,
			StockAfter:  stock,
			CreatedAt:   tx.st.tick(),
		})
	}
	return p
}

// Product returns the committed product row.
func (s *Store) Product(id int64) inventory.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.products[id]
}

// SetStock overwrites the stock column without a movement.
func (s *Store) SetStock(id, stock int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.state.products[id]
	p.Stock = stock
	s.state.products[id] = p
}

// Movements returns committed movements in id order.
func (s *Store) Movements() []inventory.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Movement(nil), s.state.movements...)
}

// Alerts returns committed alerts in id order.
func (s *Store) Alerts() []inventory.StockAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.StockAlert(nil), s.state.alerts...)
}

// PutProduct inserts a product inside the transaction and assigns its id.
func (tx *Tx) PutProduct(p inventory.Product) inventory.Product {
	tx.st.nextProd++
	p.ID = tx.st.nextProd
	p.IsActive = true
	p.UpdatedAt = tx.st.tick()
	tx.st.products[p.ID] = p
	return p
}

// DeleteProduct soft deletes a product inside the transaction.
func (tx *Tx) DeleteProduct(tenantID, productID int64) error {
	p, ok := tx.st.products[productID]
	if !ok || p.TenantID != tenantID || tx.st.deleted[productID] {
		return inventory.ErrNotFound
	}
	tx.st.deleted[productID] = true
	p.IsActive = false
	tx.st.products[productID] = p
	return nil
}

func (tx *Tx) GetProductForUpdate(_ context.Context, tenantID, productID int64) (inventory.Product, error) {
	p, ok := tx.st.products[productID]
	if !ok || p.TenantID != tenantID || tx.st.deleted[productID] {
		return inventory.Product{}, inventory.ErrNotFound
	}
	return p, nil
}

func (tx *Tx) UpdateProductStock(_ context.Context, tenantID, productID, stock int64) error {
	p, ok := tx.st.products[productID]
	if !ok || p.TenantID != tenantID {
		return inventory.ErrNotFound
	}
	p.Stock = stock
	p.UpdatedAt = tx.st.tick()
	tx.st.products[productID] = p
	return nil
}

func (tx *Tx) InsertMovement(_ context.Context, m inventory.Movement) (inventory.Movement, error) {
	if m.StockAfter != m.StockBefore+m.Quantity {
		return inventory.Movement{}, errors.New("inventorytest: movement arithmetic check violated")
	}
	tx.st.nextMove++
	m.ID = tx.st.nextMove
	m.CreatedAt = tx.st.tick()
	tx.st.movements = append(tx.st.movements, m)
	return m, nil
}

func (tx *Tx) CountMovements(_ context.Context, tenantID, productID int64) (int, error) {
	n := 0
	for _, m := range tx.st.movements {
		if m.TenantID == tenantID && m.ProductID == productID {
			n++
		}
	}
	return n, nil
}

func (tx *Tx) ListActiveAlerts(_ context.Context, tenantID, productID int64) ([]inventory.StockAlert, error) {
	var out []inventory.StockAlert
	for _, a := range tx.st.alerts {
		if a.TenantID == tenantID && a.ProductID == productID && a.Status == inventory.AlertActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (tx *Tx) InsertAlert(_ context.Context, a inventory.StockAlert) (inventory.StockAlert, error) {
	if tx.store.AlertErr != nil {
		return inventory.StockAlert{}, tx.store.AlertErr
	}
	for _, existing := range tx.st.alerts {
		if existing.ProductID == a.ProductID && existing.Kind == a.Kind && existing.Status == inventory.AlertActive {
			return inventory.StockAlert{}, errors.New("inventorytest: duplicate active alert")
		}
	}
	tx.st.nextAlert++
	a.ID = tx.st.nextAlert
	tx.st.alerts = append(tx.st.alerts, a)
	return a, nil
}

func (tx *Tx) GetAlertForUpdate(_ context.Context, tenantID, alertID int64) (inventory.StockAlert, error) {
	for _, a := range tx.st.alerts {
		if a.ID == alertID && a.TenantID == tenantID {
			return a, nil
		}
	}
	return inventory.StockAlert{}, inventory.ErrNotFound
}

func (tx *Tx) UpdateAlertStatus(_ context.Context, tenantID, alertID int64, status inventory.AlertStatus, at time.Time) error {
	for i, a := range tx.st.alerts {
		if a.ID == alertID && a.TenantID == tenantID {
			a.Status = status
			resolved := at
			a.ResolvedAt = &resolved
			tx.st.alerts[i] = a
			return nil
		}
	}
	return inventory.ErrNotFound
}

// Savepoint snapshots the working copy and restores it when fn fails.
func (tx *Tx) Savepoint(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	snapshot := tx.st.clone()
	if err := fn(ctx, tx); err != nil {
		*tx.st = snapshot
		return err
	}
	return nil
}

func (s *Store) GetProduct(_ context.Context, tenantID, productID int64) (inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.products[productID]
	if !ok || p.TenantID != tenantID || s.state.deleted[productID] {
		return inventory.Product{}, inventory.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetMovement(_ context.Context, tenantID, movementID int64) (inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.state.movements {
		if m.ID == movementID && m.TenantID == tenantID {
			return m, nil
		}
	}
	return inventory.Movement{}, inventory.ErrNotFound
}

func (s *Store) ListMovements(_ context.Context, f inventory.MovementFilter) ([]inventory.Movement, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []inventory.Movement
	for _, m := range s.state.movements {
		switch {
		case m.TenantID != f.TenantID:
		case f.ProductID != 0 && m.ProductID != f.ProductID:
		case f.Kind != "" && m.Kind != f.Kind:
		case f.Reference != "" && m.Reference != f.Reference:
		case !f.From.IsZero() && m.CreatedAt.Before(f.From):
		case !f.To.IsZero() && m.CreatedAt.After(f.To):
		default:
			matched = append(matched, m)
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

// ProductLedger reads the product and its movements under one lock.
func (s *Store) ProductLedger(_ context.Context, tenantID, productID int64) (inventory.Product, []inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.products[productID]
	if !ok || p.TenantID != tenantID || s.state.deleted[productID] {
		return inventory.Product{}, nil, inventory.ErrNotFound
	}
	var out []inventory.Movement
	for _, m := range s.state.movements {
		if m.TenantID == tenantID && m.ProductID == productID {
			out = append(out, m)
		}
	}
	return p, out, nil
}

func (s *Store) ListAlerts(_ context.Context, f inventory.AlertFilter) ([]inventory.StockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.StockAlert
	for i := len(s.state.alerts) - 1; i >= 0; i-- {
		a := s.state.alerts[i]
		switch {
		case a.TenantID != f.TenantID:
		case f.Status != "" && a.Status != f.Status:
		case f.Kind != "" && a.Kind != f.Kind:
		case f.ProductID != 0 && a.ProductID != f.ProductID:
		default:
			out = append(out, a)
		}
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListUnnotifiedAlerts(_ context.Context, limit int) ([]inventory.StockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.StockAlert
	for _, a := range s.state.alerts {
		if a.Status == inventory.AlertActive && !a.Notified {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkAlertsNotified(_ context.Context, alertIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[int64]struct{}, len(alertIDs))
	for _, id := range alertIDs {
		ids[id] = struct{}{}
	}
	for i, a := range s.state.alerts {
		if _, ok := ids[a.ID]; ok {
			a.Notified = true
			s.state.alerts[i] = a
		}
	}
	return nil
}

func (s *Store) ProductTotals(_ context.Context, tenantID int64) (inventory.ProductTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := inventory.ProductTotals{InventoryValue: decimal.Zero}
	for id, p := range s.state.products {
		if p.TenantID != tenantID || s.state.deleted[id] {
			continue
		}
		t.Products++
		t.UnitsOnHand += p.Stock
		if p.Stock > 0 {
			t.InventoryValue = t.InventoryValue.Add(p.Cost.Mul(decimal.NewFromInt(p.Stock)))
		}
		switch {
		case p.Stock <= 0:
			t.OutOfStock++
		case p.Stock <= p.MinStock:
			t.LowStock++
		}
	}
	return t, nil
}

func (s *Store) CountActiveAlerts(_ context.Context, tenantID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.state.alerts {
		if a.TenantID == tenantID && a.Status == inventory.AlertActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountMovementsSince(_ context.Context, tenantID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.state.movements {
		if m.TenantID == tenantID && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListProductRefs(_ context.Context, afterID int64, limit int) ([]inventory.ProductRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.state.products {
		if id > afterID && !s.state.deleted[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	refs := make([]inventory.ProductRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, inventory.ProductRef{TenantID: s.state.products[id].TenantID, ID: id})
	}
	return refs, nil
}
