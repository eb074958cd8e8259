package procurement

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meatcart/meatcart/internal/platform/httpx"
)

// Handler manages purchase order endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{poID}", h.handleGet)
	r.Post("/{poID}/submit", h.transition(h.service.SubmitPurchaseOrder))
	r.Post("/{poID}/approve", h.transition(h.service.ApprovePurchaseOrder))
	r.Post("/{poID}/order", h.transition(h.service.MarkOrdered))
	r.Post("/{poID}/cancel", h.transition(h.service.CancelPurchaseOrder))
	r.Post("/{poID}/receipts", h.handleReceive)
	r.Get("/{poID}/receipts", h.handleListReceipts)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	supplierID, _ := strconv.ParseInt(q.Get("supplier_id"), 10, 64)
	pos, err := h.service.ListPurchaseOrders(r.Context(), ListFilter{
		Status:     POStatus(q.Get("status")),
		SupplierID: supplierID,
		Limit:      limit,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if input.CreatedBy == "" {
		input.CreatedBy = httpx.Actor(r)
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "poID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type transitionFunc func(ctx context.Context, poID int64, actor string) (PurchaseOrder, error)

func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.IDParam(r, "poID")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		po, err := fn(r.Context(), id, httpx.Actor(r))
		if err != nil {
			h.logger.Warn("purchase order transition", slog.Int64("po_id", id), slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, po)
	}
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "poID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input ReceiveInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.PurchaseOrderID = id
	if input.BatchID == "" {
		input.BatchID = r.Header.Get("Idempotency-Key")
	}
	if input.PerformedBy == "" {
		input.PerformedBy = httpx.Actor(r)
	}
	result, err := h.service.ReceiveItems(r.Context(), input)
	if err != nil {
		h.logger.Warn("purchase order receipt", slog.Int64("po_id", id), slog.String("batch_id", input.BatchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "poID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batches, err := h.service.ListReceipts(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batches)
}
