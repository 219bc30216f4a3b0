package deposits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Handler wires HTTP endpoints for deposit orders.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the deposits handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers deposit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Patch("/", h.handleUpdateDetails)
		r.Put("/items/{itemID}/cost", h.handleSetItemCost)
		r.Post("/payments", h.handleRecordPayment)
		r.Post("/cancel", h.handleCancel)
		r.Post("/void", h.handleVoid)
		r.Post("/expire", h.handleExpire)
		r.Post("/complete", h.handleComplete)
	})
}

type listResponse struct {
	Orders     []Order           `json:"orders"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, perPage := shared.PageFromQuery(q)
	filter := ListFilter{Status: Status(q.Get("status")), Page: page, PerPage: perPage}
	if raw := q.Get("customer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError("customer_id", "must be an integer"))
			return
		}
		filter.CustomerID = id
	}
	orders, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Orders: orders, Pagination: shared.NewPagination(page, perPage, total)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input CreateOrderInput
	if !decode(w, r, &input, false) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get("Idempotency-Key")
	order, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleUpdateDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var input UpdateDetailsInput
	if !decode(w, r, &input, false) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := h.service.UpdateDetails(r.Context(), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleSetItemCost(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || itemID <= 0 {
		httpx.RespondError(w, shared.NewValidationError("item_id", "must be a positive integer"))
		return
	}
	var input SetItemCostInput
	if !decode(w, r, &input, false) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := h.service.SetItemCost(r.Context(), id, itemID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var input PaymentInput
	if !decode(w, r, &input, false) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get("Idempotency-Key")
	order, err := h.service.RecordPayment(r.Context(), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.service.Cancel)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.service.Void)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, TerminateInput) (*Order, error)) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var input TerminateInput
	if !decode(w, r, &input, true) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := op(r.Context(), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.service.Expire(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.service.Complete(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("deposit request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

// decode reads a JSON body. An empty body is accepted when optional is set.
func decode(w http.ResponseWriter, r *http.Request, target any, optional bool) bool {
	err := httpx.DecodeJSON(r, target)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
	return false
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}
