package sales

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/httpx"
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
	f := newFixture(nil)
	h := NewHandler(nil, f.svc, rbac.Middleware{Service: rbac.NewServiceWithStore(grantStore{perms: perms})})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Anonymous") == "" {
				req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{TenantID: tenant, UserID: 5}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/sales", h.MountRoutes)
	return r, f
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateAndAnnul(t *testing.T) {
	router, f := newTestRouter(t, shared.SalesScopes())
	p := f.store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 4, Price: decimal.NewFromInt(3)})

	body := `{"payment_method":"card","items":[{"product_id":` + itoa(p.ID) + `,"quantity":2}]}`
	rec := do(router, http.MethodPost, "/sales/", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sale Sale
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sale))
	require.Equal(t, PaymentCard, sale.PaymentMethod)
	require.True(t, decimal.NewFromInt(6).Equal(sale.TotalAmount))

	rec = do(router, http.MethodGet, "/sales/"+itoa(sale.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodPost, "/sales/"+itoa(sale.ID)+"/annul", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(router, http.MethodPost, "/sales/"+itoa(sale.ID)+"/annul", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/sales/?status=annulled", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data       []Sale            `json:"data"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
}

func TestHandlerErrors(t *testing.T) {
	router, f := newTestRouter(t, shared.SalesScopes())
	p := f.store.Seed(inventory.Product{TenantID: tenant, Name: "Widget", Stock: 1})

	rec := do(router, http.MethodPost, "/sales/", `{"items":[{"product_id":`+itoa(p.ID)+`,"quantity":5}]}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Insufficient Stock", problem.Title)
	require.Contains(t, problem.Detail, `"Widget"`)

	rec = do(router, http.MethodPost, "/sales/", `{"items":[],"bogus":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/sales/77", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodGet, "/sales/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/sales/", "", map[string]string{"X-Anonymous": "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerIdempotencyConflict(t *testing.T) {
	f := newFixture(&memoryIdempotency{keys: map[string]struct{}{}})
	h := NewHandler(nil, f.svc, rbac.Middleware{Service: rbac.NewServiceWithStore(grantStore{perms: shared.SalesScopes()})})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{TenantID: tenant, UserID: 5})))
		})
	})
	r.Route("/sales", h.MountRoutes)
	p := f.store.Seed(inventory.Product{TenantID: tenant, Name: "P", Stock: 4})

	body := `{"items":[{"product_id":` + itoa(p.ID) + `,"quantity":1}]}`
	headers := map[string]string{"Idempotency-Key": "abc"}
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/sales/", body, headers).Code)
	require.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/sales/", body, headers).Code)
	require.Equal(t, int64(3), f.store.Product(p.ID).Stock)
}

func TestHandlerForbidden(t *testing.T) {
	router, _ := newTestRouter(t, []string{shared.PermSaleView})
	rec := do(router, http.MethodPost, "/sales/", `{"items":[{"product_id":1,"quantity":1}]}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
