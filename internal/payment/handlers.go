package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/middleware"
	ordersvc "github.com/antonminaichev/payflow/internal/order"
	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/respond"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

// OrderBuilder validates a purchase form and stores it as a draft order.
type OrderBuilder interface {
	Build(ctx context.Context, sessionID string, req ordersvc.Request) (*order.Order, error)
}

type Handler struct {
	svc     *Service
	builder OrderBuilder
}

func NewHandler(svc *Service, b OrderBuilder) *Handler {
	return &Handler{svc: svc, builder: b}
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req ordersvc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	o, err := h.builder.Build(r.Context(), middleware.SessionIDFromContext(r.Context()), req)
	var ve *order.ValidationError
	if errors.As(err, &ve) {
		respond.Error(w, http.StatusBadRequest, ve.Code, ve.Message)
		return
	}
	if err != nil {
		logger.Log.Error("build order", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	s, err := h.svc.CreateSession(r.Context(), o)
	if err != nil {
		h.writeError(w, o.ID, err)
		return
	}
	respond.JSON(w, http.StatusCreated, s)
}

func (h *Handler) ActiveIntent(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.ActiveOrder(r.Context(), middleware.SessionIDFromContext(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		respond.Error(w, http.StatusNotFound, "no_active_order", "")
		return
	}
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	respond.JSON(w, http.StatusOK, o)
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	o, err := h.svc.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	respond.JSON(w, http.StatusOK, o)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var in provider.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		respond.OrderError(w, http.StatusBadRequest, "validation_error", err.Error(), orderID)
		return
	}
	res, err := h.svc.Confirm(r.Context(), orderID, in)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// Retry reopens the provider session of a draft or failed order, keeping the order id.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	s, err := h.svc.Initialize(r.Context(), orderID)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	respond.JSON(w, http.StatusOK, s)
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	p := order.Provider(chi.URLParam(r, "provider"))
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "validation_error", "read body")
		return
	}
	err = h.svc.HandleEvent(r.Context(), p, payload, r.Header)
	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, provider.ErrUnknownProvider):
		respond.Error(w, http.StatusNotFound, "unknown_provider", string(p))
	case errors.Is(err, ErrNotReady):
		// the provider redelivers on 5xx
		respond.Error(w, http.StatusServiceUnavailable, "not_ready", "")
	default:
		if cat, ok := provider.CategoryOf(err); ok && !cat.Retryable() {
			respond.Error(w, http.StatusBadRequest, string(cat), "")
			return
		}
		logger.Log.Error("provider callback", zap.String("provider", string(p)), zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "")
	}
}

// writeError maps orchestrator errors to the caller-facing taxonomy. The order id is
// always echoed so the client can retry the same order.
func (h *Handler) writeError(w http.ResponseWriter, orderID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respond.OrderError(w, http.StatusNotFound, "order_not_found", "", orderID)
		return
	case errors.Is(err, ErrRetryLimit):
		respond.OrderError(w, http.StatusConflict, "retry_limit_reached", "", orderID)
		return
	case errors.Is(err, ErrInvalidState):
		respond.OrderError(w, http.StatusConflict, "invalid_state", err.Error(), orderID)
		return
	case errors.Is(err, provider.ErrUnknownProvider):
		respond.OrderError(w, http.StatusBadRequest, order.CodeInvalidProvider, "", orderID)
		return
	}

	cat, ok := provider.CategoryOf(err)
	if !ok {
		logger.Log.Error("payment request", zap.String("order_id", orderID), zap.Error(err))
		respond.OrderError(w, http.StatusInternalServerError, "internal_error", "", orderID)
		return
	}
	switch cat {
	case provider.CategoryAuth:
		respond.OrderError(w, http.StatusBadGateway, string(cat), "", orderID)
	case provider.CategoryConnectivity, provider.CategoryRateLimited:
		respond.OrderError(w, http.StatusBadGateway, "provider_unavailable", string(cat), orderID)
	case provider.CategoryCard, provider.CategoryDeclined:
		respond.OrderError(w, http.StatusPaymentRequired, string(cat), "", orderID)
	default:
		respond.OrderError(w, http.StatusBadRequest, string(cat), "", orderID)
	}
}
