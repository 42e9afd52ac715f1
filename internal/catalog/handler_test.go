package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/stockroom/stockroom/internal/rbac"
	"github.com/stockroom/stockroom/internal/shared"
)

type grantStore struct {
	perms []string
}

func (g grantStore) UserPermissions(context.Context, int64, int64) ([]string, error) {
	return g.perms, nil
}

func (g grantStore) ListPermissions(context.Context) ([]rbac.Permission, error) { return nil, nil }

func (g grantStore) UpsertPermission(_ context.Context, name, _ string) (rbac.Permission, error) {
	return rbac.Permission{Name: name}, nil
}

func newTestRouter(t *testing.T, perms []string) (http.Handler, fixture) {
	t.Helper()
	f := newFixture()
	h := NewHandler(nil, f.svc, rbac.Middleware{Service: rbac.NewServiceWithStore(grantStore{perms: perms})})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{TenantID: tenant, UserID: 8}))
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/catalog", h.MountRoutes)
	return r, f
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerProductLifecycle(t *testing.T) {
	h, f := newTestRouter(t, shared.CatalogScopes())

	rec := serve(h, http.MethodPost, "/catalog/products", `{"sku":"C-1","name":"Cable","price":"3.10","cost":"1.00","initial_stock":6,"min_stock":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, int64(6), created.Stock)
	require.Equal(t, int64(2), created.MinStock)
	require.Equal(t, "3.1", created.Price.String())
	require.Len(t, f.store.Movements(), 1)

	rec = serve(h, http.MethodGet, "/catalog/products?search=cab", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data       []Product         `json:"data"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, 1, list.Pagination.Total)

	path := "/catalog/products/" + strconv.FormatInt(created.ID, 10)
	rec = serve(h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, http.MethodGet, path, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerProductErrors(t *testing.T) {
	h, _ := newTestRouter(t, shared.CatalogScopes())

	rec := serve(h, http.MethodPost, "/catalog/products", `{"sku":"C-2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "name")

	rec = serve(h, http.MethodPost, "/catalog/products", `{"sku":"C-2","name":"Plug","initial_stock":-1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/catalog/products", `{"sku":"C-2","name":"Plug"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = serve(h, http.MethodPost, "/catalog/products", `{"sku":"C-2","name":"Plug again"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(h, http.MethodGet, "/catalog/products/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/catalog/products?is_active=maybe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRequiresCatalogPermission(t *testing.T) {
	h, _ := newTestRouter(t, []string{shared.PermProductView})

	rec := serve(h, http.MethodPost, "/catalog/products", `{"sku":"C-3","name":"Lamp"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, http.MethodGet, "/catalog/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
