package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/order"
)

func (s *Store) SaveEvent(ctx context.Context, e *order.ProviderEvent) (bool, error) {
	var processed sql.NullTime
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_events (provider, event_id, order_id, event_type, payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (provider, event_id) DO NOTHING`,
			e.Provider, e.EventID, e.OrderID, e.EventType, string(e.Payload), utc(e.ReceivedAt)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT processed_at FROM provider_events WHERE provider = $1 AND event_id = $2`,
			e.Provider, e.EventID).Scan(&processed); err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	e.ProcessedAt = nullTime(processed)
	return processed.Valid, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, p order.Provider, eventID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE provider_events SET processed_at = $1
		WHERE provider = $2 AND event_id = $3 AND processed_at IS NULL`, utc(at), p, eventID)
	if err != nil {
		return fmt.Errorf("mark event: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}
