// Package session issues the signed buyer session tokens that key a buyer's active order.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/respond"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidToken = errors.New("invalid session token")

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue starts a new buyer session and returns its id and token.
func (i *Issuer) Issue() (string, string, error) {
	id := uuid.NewString()
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", err
	}
	return id, token, nil
}

// Parse returns the session id carried by a valid token.
func (i *Issuer) Parse(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

type Handler struct {
	issuer *Issuer
}

func NewHandler(i *Issuer) *Handler {
	return &Handler{issuer: i}
}

type sessionResp struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id, token, err := h.issuer.Issue()
	if err != nil {
		logger.Log.Error("issue session token", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	w.Header().Set("Authorization", "Bearer "+token)
	respond.JSON(w, http.StatusCreated, sessionResp{
		SessionID: id,
		Token:     token,
		ExpiresAt: h.issuer.now().Add(h.issuer.ttl).UTC(),
	})
}
