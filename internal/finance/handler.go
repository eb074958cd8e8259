package finance

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meatcart/meatcart/internal/platform/httpx"
)

// Handler wires HTTP endpoints for finance posting.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs finance handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers finance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts", h.handleAccounts)
	r.Get("/transactions", h.handleListTransactions)
	r.Post("/transactions", h.handlePost)
	r.Get("/transactions/{id}", h.handleGetTransaction)
	r.Post("/transactions/{id}/settle", h.handleSettle)
	r.Post("/transactions/{id}/reverse", h.handleReverse)
	r.Post("/journals", h.handlePostJournal)
	r.Get("/journals/{id}", h.handleGetJournal)
}

func (h *Handler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accounts)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TransactionFilter{
		Type:          TransactionType(q.Get("type")),
		Status:        TransactionStatus(q.Get("status")),
		ReferenceType: ReferenceType(q.Get("reference_type")),
	}
	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txs)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var input PostingInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if input.CreatedBy == "" {
		input.CreatedBy = httpx.Actor(r)
	}
	posted, err := h.service.Post(r.Context(), input)
	if err != nil {
		h.logger.Warn("finance post", slog.String("type", string(input.Type)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, posted)
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

type settleRequest struct {
	Status TransactionStatus `json:"status"`
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req settleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tx, err := h.service.Settle(r.Context(), id, req.Status, httpx.Actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tx, err := h.service.Reverse(r.Context(), id, httpx.Actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

func (h *Handler) handlePostJournal(w http.ResponseWriter, r *http.Request) {
	var input JournalInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if input.PostedBy == "" {
		input.PostedBy = httpx.Actor(r)
	}
	entry, err := h.service.PostJournal(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.GetJournal(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}
