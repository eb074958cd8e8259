package stock

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/availability", h.handleAvailability)
	r.Post("/adjustments", h.handleAdjust)
	r.Get("/low", h.handleLowStock)
	r.Get("/valuation", h.handleValuation)
	r.Get("/{productID}", h.handleGetItem)
	r.Post("/{productID}/init", h.handleInit)
	r.Put("/{productID}/thresholds", h.handleThresholds)
	r.Get("/{productID}/movements", h.handleMovements)
	r.Get("/{productID}/card", h.handleCard)
}

type availabilityRequest struct {
	Items []Line `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CheckAvailability(r.Context(), req.Items); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"available": true})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.PerformedBy == "" {
		req.PerformedBy = httpx.Actor(r)
	}
	item, err := h.service.ManualAdjust(r.Context(), req)
	if err != nil {
		h.logger.Warn("manual adjust", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListLowStock(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResponse(it))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	rows, total, err := h.service.Valuation(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		Items []Valuation     `json:"items"`
		Total decimal.Decimal `json:"total"`
	}{Items: rows, Total: total})
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.GetItem(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req ThresholdInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.InitItem(r.Context(), InitInput{
		ProductID:         productID,
		LowStockThreshold: req.LowStockThreshold,
		ReorderPoint:      req.ReorderPoint,
		ReorderQuantity:   req.ReorderQuantity,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toItemResponse(item))
}

func (h *Handler) handleThresholds(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req ThresholdInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.UpdateThresholds(r.Context(), productID, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{ProductID: productID, Type: MovementType(r.URL.Query().Get("type"))}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, mv := range movements {
		out = append(out, toMovementResponse(mv))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCard(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.StockCard(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

type itemResponse struct {
	ProductID         int64           `json:"product_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	ReservedQuantity  decimal.Decimal `json:"reserved_quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	ReorderPoint      int             `json:"reorder_point"`
	ReorderQuantity   int             `json:"reorder_quantity"`
	LastRestockedAt   *time.Time      `json:"last_restocked_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toItemResponse(it Item) itemResponse {
	resp := itemResponse{
		ProductID:         it.ProductID,
		Quantity:          it.Quantity,
		ReservedQuantity:  it.ReservedQuantity,
		AvailableQuantity: it.AvailableQuantity,
		LowStockThreshold: it.LowStockThreshold,
		ReorderPoint:      it.ReorderPoint,
		ReorderQuantity:   it.ReorderQuantity,
		LastRestockedAt:   it.LastRestockedAt,
		UpdatedAt:         it.UpdatedAt,
	}
	return resp
}

type movementResponse struct {
	ID               int64            `json:"id"`
	Type             MovementType     `json:"type"`
	Quantity         decimal.Decimal  `json:"quantity"`
	PreviousQuantity decimal.Decimal  `json:"previous_quantity"`
	NewQuantity      decimal.Decimal  `json:"new_quantity"`
	UnitCost         *decimal.Decimal `json:"unit_cost,omitempty"`
	Reason           string           `json:"reason"`
	ReferenceType    ReferenceType    `json:"reference_type,omitempty"`
	ReferenceID      int64            `json:"reference_id,omitempty"`
	PerformedBy      string           `json:"performed_by"`
	CreatedAt        time.Time        `json:"created_at"`
}

func toMovementResponse(mv Movement) movementResponse {
	resp := movementResponse{
		ID:               mv.ID,
		Type:             mv.Type,
		Quantity:         mv.Quantity,
		PreviousQuantity: mv.PreviousQuantity,
		NewQuantity:      mv.NewQuantity,
		Reason:           mv.Reason,
		ReferenceType:    mv.ReferenceType,
		ReferenceID:      mv.ReferenceID,
		PerformedBy:      mv.PerformedBy,
		CreatedAt:        mv.CreatedAt,
	}
	if mv.UnitCost.Valid {
		cost := mv.UnitCost.Decimal
		resp.UnitCost = &cost
	}
	return resp
}
