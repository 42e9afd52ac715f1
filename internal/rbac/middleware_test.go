package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/stockroom/stockroom/internal/shared"
)

type stubStore struct {
	perms map[int64][]string
	err   error
}

func (s stubStore) UserPermissions(_ context.Context, _ int64, userID int64) ([]string, error) {
	return s.perms[userID], s.err
}

func (s stubStore) ListPermissions(context.Context) ([]Permission, error) {
	return []Permission{{ID: 1, Name: shared.PermStockAdd}}, s.err
}

func (s stubStore) UpsertPermission(_ context.Context, name, description string) (Permission, error) {
	return Permission{Name: name, Description: description}, nil
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, id *shared.Identity) int {
	t.Helper()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != nil {
		req = req.WithContext(shared.ContextWithIdentity(req.Context(), *id))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireAny(t *testing.T) {
	m := Middleware{Service: NewServiceWithStore(stubStore{perms: map[int64][]string{
		7: {"Inventory.Stock.Add"},
	}})}

	require.Equal(t, http.StatusNoContent, serve(t, m.RequireAny(shared.PermStockAdd, shared.PermStockAdjust), &shared.Identity{TenantID: 1, UserID: 7}))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequireAny(shared.PermSaleAnnul), &shared.Identity{TenantID: 1, UserID: 7}))
	require.Equal(t, http.StatusUnauthorized, serve(t, m.RequireAny(shared.PermStockAdd), nil))
}

func TestRequireAll(t *testing.T) {
	m := Middleware{Service: NewServiceWithStore(stubStore{perms: map[int64][]string{
		7: {shared.PermSaleView, shared.PermSaleCreate},
	}})}
	id := &shared.Identity{TenantID: 1, UserID: 7}

	require.Equal(t, http.StatusNoContent, serve(t, m.RequireAll(shared.PermSaleView, shared.PermSaleCreate), id))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequireAll(shared.PermSaleView, shared.PermSaleAnnul), id))
}

func TestRequireStoreFailure(t *testing.T) {
	m := Middleware{Service: NewServiceWithStore(stubStore{err: errors.New("db down")})}
	require.Equal(t, http.StatusInternalServerError, serve(t, m.RequireAny(shared.PermStockAdd), &shared.Identity{TenantID: 1, UserID: 7}))
}

func TestNormalizePermissions(t *testing.T) {
	require.Equal(t, []string{"a.b", "c.d"}, normalizePermissions([]string{" A.B ", "a.b", "", "c.d"}))
}

func TestPermissionRoutes(t *testing.T) {
	m := Middleware{Service: NewServiceWithStore(stubStore{perms: map[int64][]string{
		7: {shared.PermPermissionView, shared.PermSaleView},
		8: {shared.PermSaleView},
	}})}
	r := chi.NewRouter()
	m.MountRoutes(r)
	get := func(path string, userID int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{TenantID: 1, UserID: userID}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/permissions", 7)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), shared.PermStockAdd)
	require.Equal(t, http.StatusForbidden, get("/permissions", 8).Code)

	rec = get("/me/permissions", 8)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), shared.PermSaleView)
}
