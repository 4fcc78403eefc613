// Package providertest offers a scriptable in-memory provider adapter for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/types/order"
)

// Adapter records every call and answers from the scripted funcs, falling back to
// a session per order and a succeeded outcome.
type Adapter struct {
	Provider order.Provider

	InitializeFn func(ctx context.Context, o *order.Order) (*provider.Session, error)
	ConfirmFn    func(ctx context.Context, o *order.Order, s provider.Session, in provider.Input) (provider.Outcome, error)
	PollFn       func(ctx context.Context, o *order.Order) (provider.Outcome, error)

	mu          sync.Mutex
	initCalls   int
	confirmCall int
	pollCalls   int
}

func New(p order.Provider) *Adapter {
	return &Adapter{Provider: p}
}

func (a *Adapter) Name() order.Provider { return a.Provider }

func (a *Adapter) Initialize(ctx context.Context, o *order.Order) (*provider.Session, error) {
	a.mu.Lock()
	a.initCalls++
	a.mu.Unlock()
	if a.InitializeFn != nil {
		return a.InitializeFn(ctx, o)
	}
	return &provider.Session{
		Ref:           fmt.Sprintf("sess-%s-%d", o.ID, o.Attempts+1),
		ClientPayload: "secret-" + o.ID,
	}, nil
}

func (a *Adapter) Confirm(ctx context.Context, o *order.Order, s provider.Session, in provider.Input) (provider.Outcome, error) {
	a.mu.Lock()
	a.confirmCall++
	a.mu.Unlock()
	if a.ConfirmFn != nil {
		return a.ConfirmFn(ctx, o, s, in)
	}
	return provider.Succeeded(), nil
}

func (a *Adapter) Poll(ctx context.Context, o *order.Order) (provider.Outcome, error) {
	a.mu.Lock()
	a.pollCalls++
	a.mu.Unlock()
	if a.PollFn != nil {
		return a.PollFn(ctx, o)
	}
	return provider.Processing(), nil
}

// CallbackBody is the unsigned JSON shape ParseEvent accepts.
type CallbackBody struct {
	EventID string               `json:"eventId"`
	OrderID string               `json:"orderId"`
	Ref     string               `json:"ref"`
	Kind    provider.OutcomeKind `json:"kind"`
	Reason  provider.Category    `json:"reason,omitempty"`
}

func (a *Adapter) ParseEvent(payload []byte, _ http.Header) (*provider.Event, error) {
	var b CallbackBody
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, provider.NewError(provider.CategoryInvalidSignature, "bad callback", err)
	}
	return &provider.Event{
		ID:      b.EventID,
		Type:    "test." + string(b.Kind),
		OrderID: b.OrderID,
		Ref:     b.Ref,
		Outcome: provider.Outcome{Kind: b.Kind, Reason: b.Reason},
	}, nil
}

// Callback builds a payload for ParseEvent.
func Callback(eventID, orderID, ref string, out provider.Outcome) []byte {
	b, _ := json.Marshal(CallbackBody{EventID: eventID, OrderID: orderID, Ref: ref, Kind: out.Kind, Reason: out.Reason})
	return b
}

func (a *Adapter) InitializeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initCalls
}

func (a *Adapter) ConfirmCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmCall
}

func (a *Adapter) PollCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollCalls
}
