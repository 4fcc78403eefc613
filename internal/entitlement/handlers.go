package entitlement

import (
	"errors"
	"net/http"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/respond"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type pendingResp struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	b, err := h.svc.Bundle(r.Context(), orderID)
	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, b)
	case errors.Is(err, ErrPending):
		respond.JSON(w, http.StatusAccepted, pendingResp{OrderID: orderID, Status: "provisioning"})
	case errors.Is(err, storage.ErrNotFound):
		respond.OrderError(w, http.StatusNotFound, "order_not_found", "", orderID)
	case errors.Is(err, ErrNotEntitled):
		respond.OrderError(w, http.StatusConflict, "not_paid", err.Error(), orderID)
	default:
		logger.Log.Error("load entitlements", zap.String("order_id", orderID), zap.Error(err))
		respond.OrderError(w, http.StatusInternalServerError, "internal_error", "", orderID)
	}
}
