package forum

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/respond"
	"go.uber.org/zap"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type redeemReq struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accountResp struct {
	Username string `json:"username"`
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	a, err := h.svc.Redeem(r.Context(), req.Token, req.Password)
	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, accountResp{Username: a.Username})
	case errors.Is(err, ErrPasswordTooShort):
		respond.Error(w, http.StatusBadRequest, "password_too_short", err.Error())
	case errors.Is(err, ErrInvalidToken):
		respond.Error(w, http.StatusUnauthorized, "invalid_token", err.Error())
	case errors.Is(err, ErrTokenUsed):
		respond.Error(w, http.StatusConflict, "token_used", err.Error())
	default:
		logger.Log.Error("forum redeem", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	a, err := h.svc.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respond.Error(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
		return
	}
	respond.JSON(w, http.StatusOK, accountResp{Username: a.Username})
}
