package entitlement

import (
	"context"
	"time"

	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
)

type Repository interface {
	ActivateMembership(ctx context.Context, m *entitlement.Membership, days int) (bool, error)
	CreateIdentity(ctx context.Context, id *entitlement.Identity) (bool, error)
	CreateTaskGrant(ctx context.Context, g *entitlement.TaskGrant) (bool, error)
	GetBundle(ctx context.Context, orderID string) (*entitlement.Bundle, error)

	GetJob(ctx context.Context, orderID string) (*entitlement.Job, error)
	PendingJobs(ctx context.Context, limit int) ([]entitlement.Job, error)
	RecordJobAttempt(ctx context.Context, orderID, lastError string, completedAt *time.Time) error
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
}

// Forum issues forum accounts and their login tokens.
type Forum interface {
	Issue(ctx context.Context, o *order.Order) error
	LoginToken(a *entitlement.ForumAccount) (string, error)
}
