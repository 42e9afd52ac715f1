package sales

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for sales.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository extends the ledger primitives with sale rows so a sale and its
// stock movements share one transaction.
type TxRepository interface {
	inventory.TxRepository
	InsertSale(ctx context.Context, sale Sale) (Sale, error)
	InsertSaleItem(ctx context.Context, item SaleItem) (SaleItem, error)
	UpdateSaleTotal(ctx context.Context, tenantID, saleID int64, total decimal.Decimal) error
	GetSaleForUpdate(ctx context.Context, tenantID, saleID int64) (Sale, error)
	MarkAnnulled(ctx context.Context, tenantID, saleID, userID int64, at time.Time) error
}

type txRepo struct {
	inventory.TxRepository
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
}

const saleColumns = `id, tenant_id, COALESCE(user_id, 0), total_amount, payment_method, status, COALESCE(notes, ''), created_at, annulled_by, annulled_at`

func scanSale(row pgx.Row) (Sale, error) {
	var (
		s          Sale
		method     string
		status     string
		annulledBy pgtype.Int8
		annulledAt pgtype.Timestamptz
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.TotalAmount, &method, &status, &s.Notes, &s.CreatedAt, &annulledBy, &annulledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrNotFound
		}
		return Sale{}, err
	}
	s.PaymentMethod = PaymentMethod(method)
	s.Status = SaleStatus(status)
	if annulledBy.Valid {
		v := annulledBy.Int64
		s.AnnulledBy = &v
	}
	if annulledAt.Valid {
		t := annulledAt.Time
		s.AnnulledAt = &t
	}
	return s, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const itemQuery = `SELECT si.id, si.sale_id, si.product_id, p.name, si.quantity, si.unit_price, si.subtotal
FROM sale_items si
JOIN products p ON p.id = si.product_id
WHERE si.sale_id = ANY($1)
ORDER BY si.sale_id, si.id`

func loadItems(ctx context.Context, q rowQuerier, saleIDs []int64) (map[int64][]SaleItem, error) {
	out := make(map[int64][]SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, itemQuery, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		out[item.SaleID] = append(out[item.SaleID], item)
	}
	return out, rows.Err()
}

func (t *txRepo) InsertSale(ctx context.Context, sale Sale) (Sale, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO sales (tenant_id, user_id, total_amount, payment_method, status, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
RETURNING id, created_at`,
		sale.TenantID, pgtype.Int8{Int64: sale.UserID, Valid: sale.UserID != 0}, sale.TotalAmount,
		string(sale.PaymentMethod), string(sale.Status), pgtype.Text{String: sale.Notes, Valid: sale.Notes != ""}, sale.CreatedAt).
		Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return Sale{}, err
	}
	return sale, nil
}

func (t *txRepo) InsertSaleItem(ctx context.Context, item SaleItem) (SaleItem, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, subtotal)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal).Scan(&item.ID)
	if err != nil {
		return SaleItem{}, err
	}
	return item, nil
}

func (t *txRepo) UpdateSaleTotal(ctx context.Context, tenantID, saleID int64, total decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales SET total_amount=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, saleID, total)
	return err
}

func (t *txRepo) GetSaleForUpdate(ctx context.Context, tenantID, saleID int64) (Sale, error) {
	sale, err := scanSale(t.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, saleID))
	if err != nil {
		return Sale{}, err
	}
	items, err := loadItems(ctx, t.tx, []int64{sale.ID})
	if err != nil {
		return Sale{}, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (t *txRepo) MarkAnnulled(ctx context.Context, tenantID, saleID, userID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sales SET status='ANNULLED', annulled_by=$3, annulled_at=$4, updated_at=$4
WHERE tenant_id=$1 AND id=$2 AND status='COMPLETED'`, tenantID, saleID, pgtype.Int8{Int64: userID, Valid: userID != 0}, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyAnnulled
	}
	return nil
}

// GetSale loads a sale and its items.
func (r *Repository) GetSale(ctx context.Context, tenantID, saleID int64) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE tenant_id=$1 AND id=$2`, tenantID, saleID))
	if err != nil {
		return Sale{}, err
	}
	items, err := loadItems(ctx, r.pool, []int64{sale.ID})
	if err != nil {
		return Sale{}, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

// ListSales returns a page of sales with items, newest first.
func (r *Repository) ListSales(ctx context.Context, filter ListSalesFilter) ([]Sale, int, error) {
	clauses := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.PaymentMethod != "" {
		add("payment_method = ?", string(filter.PaymentMethod))
	}
	if filter.SellerID != 0 {
		add("user_id = ?", filter.SellerID)
	}
	if !filter.From.IsZero() {
		add("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= ?", filter.To)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		if id, err := strconv.ParseInt(search, 10, 64); err == nil {
			add("id = ?", id)
		} else {
			add(`id IN (SELECT si.sale_id FROM sale_items si JOIN products p ON p.id = si.product_id WHERE p.name ILIKE ?)`, "%"+search+"%")
		}
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sales WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM sales WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		saleColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	var (
		sales []Sale
		ids   []int64
	)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	items, err := loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, total, nil
}
