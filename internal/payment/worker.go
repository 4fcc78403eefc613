package payment

import (
	"context"
	"time"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/types/order"
	"go.uber.org/zap"
)

type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (*order.Order, error)
}

type Lister interface {
	ListForReconcile(ctx context.Context) ([]order.Order, error)
}

func workerLoop(ctx context.Context, id int, jobs <-chan string, r Reconciler) {
	log := logger.Log.With(zap.Int("worker", id))
	log.Debug("reconcile worker started")
	for {
		select {
		case <-ctx.Done():
			log.Debug("reconcile worker stopped by context")
			return

		case orderID, ok := <-jobs:
			if !ok {
				log.Debug("jobs channel closed, reconcile worker exiting")
				return
			}

			o, err := r.Reconcile(ctx, orderID)
			if err != nil {
				log.Warn("reconcile failed", zap.String("order_id", orderID), zap.Error(err))
				continue
			}
			if o == nil {
				continue
			}
			log.Debug("order reconciled", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
		}
	}
}

// DispatcherLoop lists open orders every interval and hands them to a pool of workers.
// Orders that do not fit into the queue wait for the next tick.
func DispatcherLoop(ctx context.Context, l Lister, r Reconciler, workerCount int, interval time.Duration) {
	jobs := make(chan string, workerCount*3)

	for i := 1; i <= workerCount; i++ {
		go workerLoop(ctx, i, jobs, r)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Log.Info("reconcile dispatcher started", zap.Int("workers", workerCount), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("reconcile dispatcher stopping, closing jobs")
			close(jobs)
			return
		case <-ticker.C:
			orders, err := l.ListForReconcile(ctx)
			if err != nil {
				logger.Log.Error("list orders for reconcile", zap.Error(err))
				continue
			}
			if len(orders) == 0 {
				continue
			}
			logger.Log.Debug("orders to reconcile", zap.Int("count", len(orders)))
			for _, o := range orders {
				select {
				case jobs <- o.ID:
				default:
					logger.Log.Debug("jobs queue full, order deferred to next tick", zap.String("order_id", o.ID))
				}
			}
		}
	}
}
