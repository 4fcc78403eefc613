package payment

import (
	"context"
	"time"

	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
)

type OrderRepository interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ActiveOrder(ctx context.Context, sessionID string) (*order.Order, error)
	UpdateStatus(ctx context.Context, u order.StatusUpdate) (*order.Order, error)
	ListOrders(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]order.Order, error)
	MarkPolled(ctx context.Context, id string, at time.Time) error
	FlagRefund(ctx context.Context, id string) error
}

type EventRepository interface {
	SaveEvent(ctx context.Context, e *order.ProviderEvent) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, p order.Provider, eventID string, at time.Time) error
}

type Repository interface {
	OrderRepository
	EventRepository
}

// Provisioner grants what a succeeded order paid for.
type Provisioner interface {
	Provision(ctx context.Context, o *order.Order) (*entitlement.Bundle, error)
}
