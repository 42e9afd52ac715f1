package rbac

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Store is the persistence behind permission checks.
type Store interface {
	UserPermissions(ctx context.Context, tenantID, userID int64) ([]string, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpsertPermission(ctx context.Context, name, description string) (Permission, error)
}

// Service orchestrates RBAC operations.
type Service struct {
	store Store
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{store: &pgStore{pool: pool}}
}

// NewServiceWithStore builds a Service on a custom store.
func NewServiceWithStore(store Store) *Service {
	return &Service{store: store}
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// EnsurePermission upserts a permission ensuring description is stored.
func (s *Service) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Permission{}, errors.New("rbac: permission name required")
	}
	return s.store.UpsertPermission(ctx, name, strings.TrimSpace(description))
}

// SyncPermissions registers every known permission name.
func (s *Service) SyncPermissions(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.EnsurePermission(ctx, name, ""); err != nil {
			return err
		}
	}
	return nil
}

// EffectivePermissions returns deduplicated permission names granted to the
// user through roles within the tenant.
func (s *Service) EffectivePermissions(ctx context.Context, tenantID, userID int64) ([]string, error) {
	rows, err := s.store.UserPermissions(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return normalizePermissions(rows), nil
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (p *pgStore) UserPermissions(ctx context.Context, tenantID, userID int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id AND r.tenant_id = ur.tenant_id
JOIN role_permissions rp ON rp.role_id = r.id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.tenant_id = $1 AND ur.user_id = $2
ORDER BY p.name`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

func (p *pgStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (p *pgStore) UpsertPermission(ctx context.Context, name, description string) (Permission, error) {
	var perm Permission
	err := p.pool.QueryRow(ctx, `INSERT INTO permissions (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = CASE WHEN EXCLUDED.description = '' THEN permissions.description ELSE EXCLUDED.description END
RETURNING id, name, description`, name, description).Scan(&perm.ID, &perm.Name, &perm.Description)
	return perm, err
}
