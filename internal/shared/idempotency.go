package shared

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockroom/stockroom/internal/platform/db"
)

const maxIdempotencyKeyLen = 128

var (
	// ErrIdempotencyConflict indicates the key was already used by this tenant.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrInvalidIdempotencyKey rejects empty or oversized keys.
	ErrInvalidIdempotencyKey = errors.New("idempotency key must be 1-128 characters")
)

// IdempotencyStore claims request keys in idempotency_keys. The (tenant_id, key)
// primary key makes the first claim win.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// CheckValidKey normalises a client supplied key.
func CheckValidKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxIdempotencyKeyLen {
		return "", ErrInvalidIdempotencyKey
	}
	return key, nil
}

// CheckAndInsert claims key for the tenant. A second claim returns ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, tenantID int64, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	key, err := CheckValidKey(key)
	if err != nil {
		return err
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO idempotency_keys (tenant_id, key, module, created_at) VALUES ($1, $2, $3, $4)`,
		tenantID, key, module, time.Now().UTC())
	if db.IsUniqueViolation(err) {
		return ErrIdempotencyConflict
	}
	return err
}

// Cleanup drops keys claimed more than olderThan ago and returns how many went.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	if olderThan <= 0 {
		return 0, errors.New("idempotency retention must be positive")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete releases a key so a failed request can be retried with it.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID int64, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	key, err := CheckValidKey(key)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE tenant_id=$1 AND key=$2`, tenantID, key)
	return err
}
