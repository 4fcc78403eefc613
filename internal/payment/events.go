package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/order"
	"go.uber.org/zap"
)

// HandleEvent verifies and applies a provider callback. Redelivery of an event that was
// already processed is a no-op.
func (s *Service) HandleEvent(ctx context.Context, p order.Provider, payload []byte, header http.Header) error {
	adapter, err := s.providers.Get(p)
	if err != nil {
		return err
	}
	ev, err := adapter.ParseEvent(payload, header)
	if err != nil {
		logger.Log.Warn("provider callback rejected", zap.String("provider", string(p)), zap.Error(err))
		return err
	}
	log := logger.Log.With(
		zap.String("provider", string(p)),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("order_id", ev.OrderID),
	)
	if ev.ID == "" || ev.OrderID == "" {
		log.Info("provider callback without order, ignored")
		return nil
	}

	processed, err := s.repo.SaveEvent(ctx, &order.ProviderEvent{
		Provider:   p,
		EventID:    ev.ID,
		OrderID:    ev.OrderID,
		EventType:  ev.Type,
		Payload:    payload,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return err
	}
	if processed {
		log.Debug("duplicate provider event")
		return nil
	}

	// from here on the outcome must be recorded even if the provider hangs up
	ctx = context.WithoutCancel(ctx)
	if err := s.applyEvent(ctx, log, ev); err != nil {
		return err
	}
	if err := s.repo.MarkEventProcessed(ctx, p, ev.ID, s.now()); err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	return nil
}

func (s *Service) applyEvent(ctx context.Context, log *zap.Logger, ev *provider.Event) error {
	o, err := s.repo.GetOrder(ctx, ev.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("provider event for unknown order")
		return nil
	}
	if err != nil {
		return err
	}
	if ev.Ref != "" && o.ProviderSessionRef != "" && ev.Ref != o.ProviderSessionRef {
		// a superseded attempt; money moving there needs a human
		if ev.Outcome.Kind == provider.OutcomeSucceeded {
			return s.flagRefund(ctx, o, "payment succeeded on a superseded provider session")
		}
		log.Info("provider event for a superseded session", zap.String("event_ref", ev.Ref), zap.String("order_ref", o.ProviderSessionRef))
		return nil
	}
	if o.Status == order.StatusIntentCreated && ev.Outcome.Kind == provider.OutcomeProcessing {
		return nil
	}
	next, err := s.advance(ctx, o, ev.Outcome)
	if err != nil {
		return err
	}
	log.Info("provider event applied", zap.String("status", string(next.Status)), zap.Bool("refund_required", next.RefundRequired))
	return nil
}
