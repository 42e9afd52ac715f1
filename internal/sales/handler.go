package sales

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/platform/httpx"
	"github.com/stockroom/stockroom/internal/rbac"
	"github.com/stockroom/stockroom/internal/shared"
)

// Handler wires HTTP endpoints for sales.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs sales handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers sale routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermSaleCreate)).Post("/", h.handleCreate)
	r.With(h.rbac.RequireAny(shared.PermSaleView)).Get("/", h.handleList)
	r.With(h.rbac.RequireAny(shared.PermSaleView)).Get("/{id}", h.handleGet)
	r.With(h.rbac.RequireAny(shared.PermSaleAnnul)).Post("/{id}/annul", h.handleAnnul)
}

type saleItemRequest struct {
	ProductID int64               `json:"product_id" validate:"gt=0"`
	Quantity  int64               `json:"quantity"`
	UnitPrice decimal.NullDecimal `json:"unit_price" validate:"-"`
}

type createSaleRequest struct {
	PaymentMethod string            `json:"payment_method" validate:"max=20"`
	Notes         string            `json:"notes" validate:"max=1000"`
	Items         []saleItemRequest `json:"items" validate:"dive"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	var req createSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		var err error
		if key, err = shared.CheckValidKey(key); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Idempotency Key", err.Error())
			return
		}
	}
	items := make([]ItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, ItemInput{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	sale, err := h.service.CreateSale(r.Context(), CreateSaleInput{
		TenantID:       id.TenantID,
		UserID:         id.UserID,
		PaymentMethod:  ParsePaymentMethod(req.PaymentMethod),
		Items:          items,
		Notes:          strings.TrimSpace(req.Notes),
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	q := r.URL.Query()
	filter := ListSalesFilter{
		TenantID: id.TenantID,
		Status:   SaleStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Search:   strings.TrimSpace(q.Get("search")),
	}
	if raw := strings.TrimSpace(q.Get("payment_method")); raw != "" {
		filter.PaymentMethod = ParsePaymentMethod(raw)
	}
	var err error
	if filter.SellerID, err = httpx.QueryInt64(r, "seller_id"); err != nil {
		httpx.RespondError(w, err)
		return
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
	if filter.From, err = inventory.ParseDate(q.Get("from"), false); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = inventory.ParseDate(q.Get("to"), true); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sales, pagination, err := h.service.ListSales(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if sales == nil {
		sales = []Sale{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": sales, "pagination": pagination})
}

func (h *Handler) saleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
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
	saleID, ok := h.saleID(w, r)
	if !ok {
		return
	}
	sale, err := h.service.GetSale(r.Context(), id.TenantID, saleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) handleAnnul(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingIdentity.Error())
		return
	}
	saleID, ok := h.saleID(w, r)
	if !ok {
		return
	}
	sale, err := h.service.AnnulSale(r.Context(), AnnulSaleInput{TenantID: id.TenantID, UserID: id.UserID, SaleID: saleID})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	inventory.WriteError(w, h.logger, err)
}
