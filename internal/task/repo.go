package task

import (
	"context"

	"github.com/antonminaichev/payflow/internal/types/entitlement"
)

type GrantRepository interface {
	// FindTaskGrant returns storage.ErrNotFound when the buyer holds no grant.
	FindTaskGrant(ctx context.Context, buyerID string) (*entitlement.TaskGrant, error)
}

type SlotRepository interface {
	CreateTask(ctx context.Context, t *entitlement.Task) error
	GetTask(ctx context.Context, id string) (*entitlement.Task, error)
	ListTasks(ctx context.Context) ([]entitlement.Task, error)
	ClaimTask(ctx context.Context, r *entitlement.Reservation) error
	FindReservation(ctx context.Context, buyerID string) (*entitlement.Reservation, error)
}
