// Package provider defines the contract between the payment orchestrator and the external
// payment processors, and the normalised error taxonomy every adapter must translate into.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/antonminaichev/payflow/internal/types/order"
)

type Category string

const (
	CategoryValidation       Category = "validation_error"
	CategoryCard             Category = "card_error"
	CategoryDeclined         Category = "payment_declined"
	CategoryConnectivity     Category = "connectivity_error"
	CategoryAuth             Category = "provider_auth_error"
	CategoryRateLimited      Category = "rate_limited"
	CategoryInvalidSignature Category = "invalid_signature"
)

// Retryable reports whether an operation failing with c may succeed on a later attempt.
func (c Category) Retryable() bool {
	return c == CategoryConnectivity || c == CategoryRateLimited
}

// Error is the only error shape an adapter returns. Final marks a response the provider
// stored against an idempotency key; resending the same request only replays it.
type Error struct {
	Category Category
	Message  string
	Err      error
	Final    bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(c Category, msg string, err error) *Error {
	return &Error{Category: c, Message: msg, Err: err}
}

// CategoryOf extracts the category of err. Context expiry counts as connectivity.
func CategoryOf(err error) (Category, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryConnectivity, true
	}
	return "", false
}

func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) && pe.Final {
		return false
	}
	c, ok := CategoryOf(err)
	return ok && c.Retryable()
}

// Session is what a provider hands back when a payment session is opened.
type Session struct {
	Ref string `json:"providerSessionRef"`
	// ClientPayload is a client secret (provider A) or embeddable checkout markup (provider B).
	ClientPayload string `json:"clientPayload,omitempty"`
	RedirectURL   string `json:"redirectURL,omitempty"`
}

type OutcomeKind string

const (
	OutcomeSucceeded        OutcomeKind = "succeeded"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeProcessing       OutcomeKind = "processing"
	OutcomeRequiresFollowUp OutcomeKind = "requires_follow_up"
)

type Outcome struct {
	Kind        OutcomeKind
	Reason      Category
	Detail      string
	RedirectURL string
}

func Succeeded() Outcome { return Outcome{Kind: OutcomeSucceeded} }

func Processing() Outcome { return Outcome{Kind: OutcomeProcessing} }

func Failed(reason Category, detail string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Detail: detail}
}

func FollowUp(url string) Outcome {
	return Outcome{Kind: OutcomeRequiresFollowUp, RedirectURL: url}
}

// Input carries what the caller collected for confirmation.
type Input struct {
	PaymentMethod string            `json:"paymentMethod,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// Event is a verified, normalised provider callback.
type Event struct {
	ID      string
	Type    string
	OrderID string
	Ref     string
	Outcome Outcome
}

type Adapter interface {
	Name() order.Provider
	Initialize(ctx context.Context, o *order.Order) (*Session, error)
	Confirm(ctx context.Context, o *order.Order, s Session, in Input) (Outcome, error)
	// Poll queries the provider for the current state of the order's session.
	Poll(ctx context.Context, o *order.Order) (Outcome, error)
	// ParseEvent verifies a callback's authenticity and normalises it.
	ParseEvent(payload []byte, header http.Header) (*Event, error)
}

var ErrUnknownProvider = errors.New("unknown provider")

type Registry map[order.Provider]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

func (r Registry) Get(p order.Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return a, nil
}

// FromHTTPStatus maps a provider HTTP status code to a category.
func FromHTTPStatus(code int) Category {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryAuth
	case code == http.StatusTooManyRequests:
		return CategoryRateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		return CategoryConnectivity
	case code == http.StatusPaymentRequired:
		return CategoryDeclined
	default:
		return CategoryValidation
	}
}
