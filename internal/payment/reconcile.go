package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/retry"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/order"
	"go.uber.org/zap"
)

const reconcileBatch = 100

// ListForReconcile returns orders whose outcome is still open with the provider: every
// processing order, and confirming or intent_created orders older than the confirm window.
func (s *Service) ListForReconcile(ctx context.Context) ([]order.Order, error) {
	now := s.now()
	stale := now.Add(-s.cfg.ConfirmWindow)

	var out []order.Order
	processing, err := s.repo.ListOrders(ctx, order.StatusProcessing, now, reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	out = append(out, processing...)
	confirming, err := s.repo.ListOrders(ctx, order.StatusConfirming, stale, reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("list confirming: %w", err)
	}
	out = append(out, confirming...)
	pending, err := s.repo.ListOrders(ctx, order.StatusIntentCreated, stale, reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("list intent_created: %w", err)
	}
	return append(out, pending...), nil
}

// Reconcile asks the provider for the current state of one order and applies it. A stale
// reservation without a provider session is released instead.
func (s *Service) Reconcile(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case order.StatusProcessing, order.StatusConfirming:
	case order.StatusIntentCreated:
		if o.ProviderSessionRef == "" {
			if s.now().Sub(o.UpdatedAt) < s.cfg.ConfirmWindow {
				return o, nil
			}
			logger.Log.Warn("releasing stale reservation", zap.String("order_id", o.ID))
			s.release(ctx, o, nil)
			return s.repo.GetOrder(ctx, orderID)
		}
	default:
		return o, nil
	}

	adapter, err := s.providers.Get(o.Provider)
	if err != nil {
		return nil, err
	}
	out, err := retry.Do(ctx, s.cfg.Retry, "poll", func() (provider.Outcome, error) {
		out, err := adapter.Poll(ctx, o)
		return out, retry.Unless(err, provider.Retryable)
	})
	// moves the order to the back of the reconcile queue even when the poll failed
	if perr := s.repo.MarkPolled(ctx, o.ID, s.now()); perr != nil {
		logger.Log.Warn("mark order polled", zap.String("order_id", o.ID), zap.Error(perr))
	}
	if err != nil {
		s.logProviderError("poll", o, err)
		return nil, normalize(err)
	}
	if o.Status == order.StatusIntentCreated &&
		(out.Kind == provider.OutcomeProcessing || out.Kind == provider.OutcomeRequiresFollowUp) {
		// the buyer has not paid yet
		if s.now().Sub(o.UpdatedAt) >= s.cfg.PendingTTL {
			return s.expire(ctx, o)
		}
		return o, nil
	}
	return s.advance(ctx, o, out)
}

// expire abandons an order whose provider session stayed unpaid past PendingTTL. A payment
// arriving afterwards is flagged for refund.
func (s *Service) expire(ctx context.Context, o *order.Order) (*order.Order, error) {
	next, err := s.repo.UpdateStatus(ctx, order.StatusUpdate{
		ID: o.ID, Version: o.Version, From: order.StatusIntentCreated, To: order.StatusAbandoned, At: s.now(),
	})
	if errors.Is(err, storage.ErrConflict) {
		return s.repo.GetOrder(ctx, o.ID)
	}
	if err != nil {
		return nil, err
	}
	logger.Log.Info("unpaid payment session expired",
		zap.String("order_id", o.ID),
		zap.String("provider_session_ref", o.ProviderSessionRef),
	)
	return next, nil
}
