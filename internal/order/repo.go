package order

import (
	"context"

	"github.com/antonminaichev/payflow/internal/types/order"
)

type OrderRepository interface {
	PutOrder(ctx context.Context, o *order.Order) error
}
