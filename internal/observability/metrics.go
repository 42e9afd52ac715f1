package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface and the stock ledger.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	units           *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	sales           *prometheus.CounterVec
	salesAmount     *prometheus.CounterVec
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockroom_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_stock_movements_total",
		Help: "Committed inventory movements by kind.",
	}, []string{"kind"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_stock_units_total",
		Help: "Absolute units moved by committed movements, by kind and direction.",
	}, []string{"kind", "direction"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_stock_alerts_total",
		Help: "Stock alerts raised by kind.",
	}, []string{"kind"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_concurrency_conflicts_total",
		Help: "Operations that exhausted their serialization retries.",
	}, []string{"operation"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_sales_total",
		Help: "Sales by lifecycle event.",
	}, []string{"event"})
	salesAmount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_sales_amount_total",
		Help: "Sale totals by lifecycle event.",
	}, []string{"event"})
	registry.MustRegister(requests, duration, movements, units, alerts, conflicts, sales, salesAmount)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		units:           units,
		alerts:          alerts,
		conflicts:       conflicts,
		sales:           sales,
		salesAmount:     salesAmount,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveMovement counts a committed movement.
func (m *Metrics) ObserveMovement(kind string, quantity int64) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(kind).Inc()
	direction := "in"
	if quantity < 0 {
		direction = "out"
		quantity = -quantity
	}
	m.units.WithLabelValues(kind, direction).Add(float64(quantity))
}

// ObserveAlert counts a raised stock alert.
func (m *Metrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// ObserveConflict counts an operation that gave up after retries.
func (m *Metrics) ObserveConflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

// ObserveSale counts a sale event and its amount.
func (m *Metrics) ObserveSale(event string, amount float64) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(event).Inc()
	if amount > 0 {
		m.salesAmount.WithLabelValues(event).Add(amount)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
