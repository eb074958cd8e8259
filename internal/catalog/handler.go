package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/httpx"
)

// Handler exposes product lookup and maintenance.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers product routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{productID}", h.handleGet)
	r.Put("/{productID}", h.handleReplace)
}

type productRequest struct {
	Name              string          `json:"name" validate:"required"`
	SKU               string          `json:"sku" validate:"required"`
	Price             decimal.Decimal `json:"price"`
	LowStockThreshold int             `json:"low_stock_threshold" validate:"gte=0"`
}

func (h *Handler) decode(r *http.Request) (ProductInput, error) {
	var req productRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return ProductInput{}, err
	}
	if err := h.validator.Struct(req); err != nil {
		return ProductInput{}, err
	}
	return ProductInput{
		Name:              req.Name,
		SKU:               req.SKU,
		Price:             req.Price,
		LowStockThreshold: req.LowStockThreshold,
	}, nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	input, err := h.decode(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := h.service.Upsert(r.Context(), input)
	if err != nil {
		h.logger.Warn("create product", slog.String("sku", input.SKU), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	input, err := h.decode(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ID = id
	product, err := h.service.Upsert(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := h.service.Lookup(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}
