package orders

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meatcart/meatcart/internal/platform/httpx"
)

// Handler wires HTTP endpoints for orders.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs orders handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handlePlace)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/status", h.handleStatus)
	r.Get("/{id}/history", h.handleHistory)
	r.Post("/{id}/tracking", h.handleTracking)
	r.Get("/{id}/tracking", h.handleListTracking)
	r.Post("/{id}/payment-status", h.handlePayment)
	r.Get("/{id}/payment", h.handleGetPayment)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := OrderFilter{Status: Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	list, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) handlePlace(w http.ResponseWriter, r *http.Request) {
	var input PlaceOrderInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if input.PlacedBy == "" {
		input.PlacedBy = httpx.Actor(r)
	}
	order, err := h.service.PlaceOrder(r.Context(), input)
	if err != nil {
		h.logger.Warn("place order", slog.Int64("customer_id", input.CustomerID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input StatusInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.OrderID = id
	if input.Actor == "" {
		input.Actor = httpx.Actor(r)
	}
	order, err := h.service.SetStatus(r.Context(), input)
	if err != nil {
		h.logger.Warn("order status", slog.Int64("order_id", id), slog.String("status", string(input.Status)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	history, err := h.service.ListHistory(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, history)
}

type trackingResponse struct {
	Event TrackingEvent `json:"event"`
	Order Order         `json:"order"`
}

func (h *Handler) handleTracking(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input TrackingInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.OrderID = id
	event, order, err := h.service.UpdateTracking(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, trackingResponse{Event: event, Order: order})
}

func (h *Handler) handleListTracking(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events, err := h.service.ListTracking(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input PaymentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.OrderID = id
	if input.Actor == "" {
		input.Actor = httpx.Actor(r)
	}
	order, err := h.service.SetPaymentStatus(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}
