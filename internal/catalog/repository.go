package catalog

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

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/db"
)

// Repository persists catalog products in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository extends the ledger primitives with product rows so the
// product and its INITIAL movement commit together.
type TxRepository interface {
	inventory.TxRepository
	InsertProduct(ctx context.Context, product Product) (Product, error)
	SoftDelete(ctx context.Context, tenantID, productID int64, at time.Time) error
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

const productColumns = `id, tenant_id, sku, COALESCE(barcode, ''), name, COALESCE(description, ''), price, cost, stock, min_stock, max_stock, category_id, supplier_id, is_active, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p          Product
		maxStock   pgtype.Int8
		categoryID pgtype.Int8
		supplierID pgtype.Int8
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Barcode, &p.Name, &p.Description, &p.Price, &p.Cost, &p.Stock,
		&p.MinStock, &maxStock, &categoryID, &supplierID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	p.MaxStock = optional(maxStock)
	p.CategoryID = optional(categoryID)
	p.SupplierID = optional(supplierID)
	return p, nil
}

func optional(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *txRepo) InsertProduct(ctx context.Context, p Product) (Product, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO products
(tenant_id, sku, barcode, name, description, price, cost, stock, min_stock, max_stock, category_id, supplier_id, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12)
RETURNING id, created_at, updated_at`,
		p.TenantID, p.SKU, nullable(p.Barcode), p.Name, nullable(p.Description), p.Price, p.Cost,
		p.MinStock, p.MaxStock, p.CategoryID, p.SupplierID, p.IsActive)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return Product{}, fmt.Errorf("%w: %s", ErrDuplicate, p.SKU)
		}
		return Product{}, err
	}
	p.Stock = 0
	return p, nil
}

func (r *txRepo) SoftDelete(ctx context.Context, tenantID, productID int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET deleted_at=$3, is_active=FALSE, updated_at=$3
WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL`, tenantID, productID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one live product.
func (r *Repository) Get(ctx context.Context, tenantID, productID int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL`, tenantID, productID)
	return scanProduct(row)
}

// List returns live products and the total count matching the filter.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Product, int, error) {
	clauses := []string{"tenant_id = $1", "deleted_at IS NULL"}
	args := []any{filter.TenantID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.CategoryID != nil {
		add("category_id = ?", *filter.CategoryID)
	}
	if filter.SupplierID != nil {
		add("supplier_id = ?", *filter.SupplierID)
	}
	if filter.IsActive != nil {
		add("is_active = ?", *filter.IsActive)
	}
	if filter.Search != "" {
		add("(name ILIKE ? OR sku ILIKE ? OR barcode ILIKE ?)", "%"+filter.Search+"%")
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM products WHERE %s ORDER BY %s, id LIMIT $%d OFFSET $%d`,
		productColumns, where, sortOrder(filter.SortBy, filter.SortDir), len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if strings.EqualFold(sortDir, "desc") {
		dir = "DESC"
	}
	switch sortBy {
	case "sku":
		return "sku " + dir
	case "price":
		return "price " + dir
	case "stock":
		return "stock " + dir
	case "created_at":
		return "created_at " + dir
	default:
		return "name " + dir
	}
}
