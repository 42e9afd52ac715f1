package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/httpx"
	"github.com/stockroom/stockroom/internal/rbac"
	"github.com/stockroom/stockroom/internal/shared"
)

// Handler wires HTTP endpoints for the product catalog.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers product routes relative to /catalog.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermProductCreate)).Post("/products", h.handleCreate)
	r.With(h.rbac.RequireAny(shared.PermProductView)).Get("/products", h.handleList)
	r.With(h.rbac.RequireAny(shared.PermProductView)).Get("/products/{id}", h.handleGet)
	r.With(h.rbac.RequireAny(shared.PermProductDelete)).Delete("/products/{id}", h.handleDelete)
}

type createProductRequest struct {
	SKU          string          `json:"sku" validate:"required,max=64"`
	Barcode      string          `json:"barcode" validate:"max=64"`
	Name         string          `json:"name" validate:"required,max=200"`
	Description  string          `json:"description" validate:"max=2000"`
	Price        decimal.Decimal `json:"price"`
	Cost         decimal.Decimal `json:"cost"`
	InitialStock int64           `json:"initial_stock" validate:"gte=0"`
	MinStock     *int64          `json:"min_stock" validate:"omitempty,gte=0"`
	MaxStock     *int64          `json:"max_stock" validate:"omitempty,gte=0"`
	CategoryID   *int64          `json:"category_id" validate:"omitempty,gt=0"`
	SupplierID   *int64          `json:"supplier_id" validate:"omitempty,gt=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	var req createProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	product, err := h.service.Register(r.Context(), RegisterInput{
		TenantID:     id.TenantID,
		UserID:       id.UserID,
		SKU:          req.SKU,
		Barcode:      req.Barcode,
		Name:         req.Name,
		Description:  req.Description,
		Price:        req.Price,
		Cost:         req.Cost,
		InitialStock: req.InitialStock,
		MinStock:     req.MinStock,
		MaxStock:     req.MaxStock,
		CategoryID:   req.CategoryID,
		SupplierID:   req.SupplierID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	q := r.URL.Query()
	filter := ListFilter{
		TenantID: id.TenantID,
		Search:   q.Get("search"),
		SortBy:   q.Get("sort"),
		SortDir:  q.Get("dir"),
	}
	for name, dest := range map[string]**int64{"category_id": &filter.CategoryID, "supplier_id": &filter.SupplierID} {
		v, err := httpx.QueryInt64(r, name)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		if v > 0 {
			*dest = &v
		}
	}
	if raw := q.Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "is_active must be a boolean")
			return
		}
		filter.IsActive = &active
	}
	page, err := httpx.QueryInt64(r, "page")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perPage, err := httpx.QueryInt64(r, "per_page")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.Page, filter.PerPage = int(page), int(perPage)
	products, pagination, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if products == nil {
		products = []Product{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": products, "pagination": pagination})
}

func (h *Handler) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || v <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return v, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}
	product, err := h.service.Get(r.Context(), id.TenantID, productID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id.TenantID, id.UserID, productID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		inventory.WriteError(w, h.logger, err)
	}
}
