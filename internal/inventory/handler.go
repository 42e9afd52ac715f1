package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/platform/httpx"
	"github.com/stockroom/stockroom/internal/rbac"
	"github.com/stockroom/stockroom/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermStockAdd)).Post("/add-stock", h.handleAddStock)
	r.With(h.rbac.RequireAny(shared.PermStockRemove)).Post("/remove-stock", h.handleRemoveStock)
	r.With(h.rbac.RequireAny(shared.PermStockAdjust)).Post("/adjust-stock", h.handleAdjustStock)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermMovementView))
		r.Get("/movements", h.handleListMovements)
		r.Get("/movements/{id}", h.handleGetMovement)
		r.Get("/products/{id}/ledger/verify", h.handleVerifyLedger)
		r.Get("/summary", h.handleSummary)
	})
	r.With(h.rbac.RequireAny(shared.PermAlertView, shared.PermAlertManage)).Get("/alerts", h.handleListAlerts)
	r.With(h.rbac.RequireAny(shared.PermAlertManage)).Post("/alerts/{id}/dismiss", h.handleDismissAlert)
}

type addStockRequest struct {
	ProductID int64               `json:"product_id" validate:"gt=0"`
	Quantity  int64               `json:"quantity"`
	UnitCost  decimal.NullDecimal `json:"unit_cost" validate:"-"`
	Reference string              `json:"reference" validate:"max=100"`
	Notes     string              `json:"notes" validate:"max=1000"`
}

type removeStockRequest struct {
	ProductID     int64  `json:"product_id" validate:"gt=0"`
	Quantity      int64  `json:"quantity"`
	Reference     string `json:"reference" validate:"max=100"`
	Notes         string `json:"notes" validate:"max=1000"`
	AllowNegative bool   `json:"allow_negative"`
}

type adjustStockRequest struct {
	ProductID int64  `json:"product_id" validate:"gt=0"`
	NewStock  int64  `json:"new_stock"`
	Reason    string `json:"reason" validate:"max=500"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.ValidationProblem(w, err)
		return false
	}
	return true
}

func identity(w http.ResponseWriter, r *http.Request) (shared.Identity, bool) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
	}
	return id, ok
}

func (h *Handler) handleAddStock(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req addStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	movement, err := h.service.AddStock(r.Context(), AddStockInput{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		Reference: strings.TrimSpace(req.Reference),
		Notes:     strings.TrimSpace(req.Notes),
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) handleRemoveStock(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req removeStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	movement, err := h.service.RemoveStock(r.Context(), RemoveStockInput{
		TenantID:      id.TenantID,
		UserID:        id.UserID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		Reference:     strings.TrimSpace(req.Reference),
		Notes:         strings.TrimSpace(req.Notes),
		AllowNegative: req.AllowNegative,
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req adjustStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	movement, err := h.service.AdjustStock(r.Context(), AdjustStockInput{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		ProductID: req.ProductID,
		NewStock:  req.NewStock,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	filter, err := movementFilterFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.TenantID = id.TenantID
	items, page, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if items == nil {
		items = []Movement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": items, "pagination": page})
}

func movementFilterFromQuery(r *http.Request) (MovementFilter, error) {
	var (
		filter MovementFilter
		err    error
	)
	q := r.URL.Query()
	if filter.ProductID, err = httpx.QueryInt64(r, "product_id"); err != nil {
		return filter, err
	}
	page, err := httpx.QueryInt64(r, "page")
	if err != nil {
		return filter, err
	}
	perPage, err := httpx.QueryInt64(r, "per_page")
	if err != nil {
		return filter, err
	}
	filter.Page, filter.PerPage = int(page), int(perPage)
	filter.Kind = MovementKind(strings.ToUpper(strings.TrimSpace(q.Get("kind"))))
	filter.Reference = strings.TrimSpace(q.Get("reference"))
	if filter.From, err = ParseDate(q.Get("from"), false); err != nil {
		return filter, err
	}
	if filter.To, err = ParseDate(q.Get("to"), true); err != nil {
		return filter, err
	}
	return filter, nil
}

// ParseDate accepts RFC3339 or YYYY-MM-DD. A bare date used as an upper bound
// extends to the end of that day.
func ParseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", httpx.ErrValidation, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || v <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return v, true
}

func (h *Handler) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	movementID, ok := pathID(w, r)
	if !ok {
		return
	}
	movement, err := h.service.GetMovement(r.Context(), id.TenantID, movementID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movement)
}

func (h *Handler) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	productID, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.service.VerifyLedger(r.Context(), id.TenantID, productID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Summary(r.Context(), id.TenantID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	alerts, err := h.service.ListAlerts(r.Context(), AlertFilter{
		TenantID:  id.TenantID,
		ProductID: productID,
		Kind:      AlertKind(strings.ToUpper(strings.TrimSpace(q.Get("kind")))),
		Status:    AlertStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:     int(limit),
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if alerts == nil {
		alerts = []StockAlert{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": alerts})
}

func (h *Handler) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	alertID, ok := pathID(w, r)
	if !ok {
		return
	}
	alert, err := h.service.DismissAlert(r.Context(), id.TenantID, id.UserID, alertID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alert)
}

// WriteError maps ledger errors onto problem responses. Unknown errors are
// logged and reported as 500.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusBadRequest, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidOperation):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Operation", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "the stock changed concurrently, retry the request")
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	default:
		if logger != nil {
			logger.Error("request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}
