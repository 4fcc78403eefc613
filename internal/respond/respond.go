// Package respond writes JSON responses and error bodies.
package respond

import (
	"encoding/json"
	"net/http"
)

type ErrorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func Error(w http.ResponseWriter, status int, code, reason string) {
	JSON(w, status, ErrorBody{Error: code, Reason: reason})
}

// OrderError carries the order id so the caller can retry the same order.
func OrderError(w http.ResponseWriter, status int, code, reason, orderID string) {
	JSON(w, status, ErrorBody{Error: code, Reason: reason, OrderID: orderID})
}
