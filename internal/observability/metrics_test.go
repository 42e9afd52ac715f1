package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `stockroom_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `stockroom_http_request_duration_seconds_bucket{route="/test"`)
}

func TestLedgerCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveMovement("EXIT", -3)
	metrics.ObserveMovement("EXIT", -2)
	metrics.ObserveMovement("ENTRY", 7)
	metrics.ObserveAlert("LOW_STOCK")
	metrics.ObserveConflict("inventory.stock.remove")
	metrics.ObserveSale("created", 12.5)

	body := scrape(t, metrics)
	for _, want := range []string{
		`stockroom_stock_movements_total{kind="EXIT"} 2`,
		`stockroom_stock_units_total{direction="out",kind="EXIT"} 5`,
		`stockroom_stock_units_total{direction="in",kind="ENTRY"} 7`,
		`stockroom_stock_alerts_total{kind="LOW_STOCK"} 1`,
		`stockroom_concurrency_conflicts_total{operation="inventory.stock.remove"} 1`,
		`stockroom_sales_total{event="created"} 1`,
		`stockroom_sales_amount_total{event="created"} 12.5`,
	} {
		require.True(t, strings.Contains(body, want), "missing %s", want)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveMovement("ENTRY", 1)
	metrics.ObserveAlert("OVERSTOCK")
	metrics.ObserveSale("annulled", 1)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
