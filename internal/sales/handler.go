package sales

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Handler wires HTTP endpoints for sales and settlements.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/settlements", h.handleListSettlements)
	r.Post("/settlements/{id}/paid", h.handleMarkPaid)
	r.Get("/{id}", h.handleGetSale)
	r.Get("/{id}/settlements", h.handleSaleSettlements)
}

func (h *Handler) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) handleSaleSettlements(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	h.respondSettlements(w, r, SettlementFilter{SaleID: id})
}

func (h *Handler) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SettlementFilter{Status: SettlementStatus(q.Get("status"))}
	if raw := q.Get("supplier_id"); raw != "" {
		supplierID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError("supplier_id", "must be an integer"))
			return
		}
		filter.SupplierID = supplierID
	}
	h.respondSettlements(w, r, filter)
}

func (h *Handler) respondSettlements(w http.ResponseWriter, r *http.Request, filter SettlementFilter) {
	settlements, err := h.service.ListSettlements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if settlements == nil {
		settlements = []ConsignmentSettlement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"settlements": settlements})
}

func (h *Handler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	st, err := h.service.MarkSettlementPaid(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("sales request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}
