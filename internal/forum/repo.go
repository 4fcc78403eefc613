package forum

import (
	"context"
	"time"

	"github.com/antonminaichev/payflow/internal/types/entitlement"
)

type AccountRepository interface {
	CreateForumAccount(ctx context.Context, a *entitlement.ForumAccount) (bool, error)
	FindForumAccount(ctx context.Context, username string) (*entitlement.ForumAccount, error)
	RedeemForumAccount(ctx context.Context, orderID, passwordHash string, at time.Time) error
}
