package task

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/respond"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type claimReq struct {
	BuyerID string `json:"buyerId"`
}

type claimResp struct {
	ReservationID string `json:"reservationId"`
	TaskID        string `json:"taskId"`
	OrderID       string `json:"orderId"`
}

type taskResp struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Capacity  int    `json:"capacity"`
	Remaining int    `json:"remaining"`
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BuyerID == "" {
		respond.Error(w, http.StatusBadRequest, "validation_error", "buyerId is required")
		return
	}
	res, err := h.svc.Claim(r.Context(), chi.URLParam(r, "taskId"), req.BuyerID)
	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, claimResp{ReservationID: res.ID, TaskID: res.TaskID, OrderID: res.OrderID})
	case errors.Is(err, ErrSlotsExhausted):
		respond.Error(w, http.StatusConflict, "slots_exhausted", "")
	case errors.Is(err, ErrAlreadyClaimed):
		respond.Error(w, http.StatusConflict, "already_claimed", "")
	case errors.Is(err, ErrTaskNotFound):
		respond.Error(w, http.StatusNotFound, "task_not_found", "")
	case errors.Is(err, ErrNotEligible):
		respond.Error(w, http.StatusForbidden, "not_eligible", "")
	case errors.Is(err, ErrInvalidTask):
		respond.Error(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		logger.Log.Error("claim task", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ListTasks(r.Context())
	if err != nil {
		logger.Log.Error("list tasks", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	respond.JSON(w, http.StatusOK, toResp(tasks))
}

func toResp(tasks []entitlement.Task) []taskResp {
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResp{ID: t.ID, Title: t.Title, Capacity: t.Capacity, Remaining: t.Remaining()})
	}
	return out
}
