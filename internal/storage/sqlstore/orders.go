package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/order"
)

const orderColumns = `id, session_id, amount_minor, currency, package_type,
	buyer_name, buyer_email, buyer_phone, buyer_city,
	provider, provider_session_ref, status, failure_reason, attempts, provisioned, refund_required,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*order.Order, error) {
	var (
		o     order.Order
		minor int64
	)
	err := r.Scan(&o.ID, &o.SessionID, &minor, &o.Currency, &o.PackageType,
		&o.Buyer.Name, &o.Buyer.Email, &o.Buyer.Phone, &o.Buyer.City,
		&o.Provider, &o.ProviderSessionRef, &o.Status, &o.FailureReason, &o.Attempts, &o.Provisioned, &o.RefundRequired,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Amount = order.AmountFromMinor(minor)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func getOrder(ctx context.Context, q querier, id string) (*order.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, s.db, id)
}

func (s *Store) PutOrder(ctx context.Context, o *order.Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx,
			`SELECT active_order_id FROM buyer_sessions WHERE session_id = $1`, o.SessionID).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load session: %w", err)
		case prev != o.ID:
			// заказы с возможным движением денег не трогаем, см. Order.Abandonable
			if _, err := tx.ExecContext(ctx, `
				UPDATE orders SET status = $1, version = version + 1, updated_at = $2
				WHERE id = $3 AND (status IN ($4, $5) OR (status = $6 AND provider_session_ref = ''))`,
				order.StatusAbandoned, utc(o.CreatedAt), prev,
				order.StatusDraft, order.StatusFailed, order.StatusIntentCreated); err != nil {
				return fmt.Errorf("abandon previous order: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			o.ID, o.SessionID, o.AmountMinor(), o.Currency, o.PackageType,
			o.Buyer.Name, o.Buyer.Email, o.Buyer.Phone, o.Buyer.City,
			o.Provider, o.ProviderSessionRef, o.Status, o.FailureReason, o.Attempts, o.Provisioned, o.RefundRequired,
			o.Version, utc(o.CreatedAt), utc(o.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO buyer_sessions (session_id, active_order_id, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (session_id) DO UPDATE SET active_order_id = excluded.active_order_id, updated_at = excluded.updated_at`,
			o.SessionID, o.ID, utc(o.CreatedAt))
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

func (s *Store) ActiveOrder(ctx context.Context, sessionID string) (*order.Order, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT active_order_id FROM buyer_sessions WHERE session_id = $1`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s.GetOrder(ctx, id)
}

// UpdateStatus applies u only when the row still has u.Version and u.From.
// Entering succeeded flips provisioned and opens the provisioning job in the same
// transaction, so exactly one caller wins that edge.
func (s *Store) UpdateStatus(ctx context.Context, u order.StatusUpdate) (*order.Order, error) {
	if !u.Allowed() {
		return nil, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, u.From, u.To)
	}
	at := utc(u.At)
	if at.IsZero() {
		at = time.Now().UTC()
	}

	args := []any{u.To, at}
	sets := []string{"status = $1", "updated_at = $2", "version = version + 1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if u.ProviderSessionRef != nil {
		sets = append(sets, "provider_session_ref = "+arg(*u.ProviderSessionRef))
	}
	if u.FailureReason != nil {
		sets = append(sets, "failure_reason = "+arg(*u.FailureReason))
	}
	if u.IncAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if u.To == order.StatusSucceeded {
		sets = append(sets, "provisioned = TRUE")
	}

	where := []string{"id = " + arg(u.ID), "version = " + arg(u.Version), "status = " + arg(u.From)}
	if u.Release || u.From == u.To {
		where = append(where, "provider_session_ref = ''")
	}
	if u.To == order.StatusSucceeded {
		where = append(where, "provisioned = FALSE")
	}
	q := "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")

	var out *order.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getOrder(ctx, tx, u.ID); err != nil {
				return err
			}
			return storage.ErrConflict
		}
		if u.To == order.StatusSucceeded {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO provisioning_jobs (order_id, attempts, last_error, created_at)
				VALUES ($1, 0, '', $2) ON CONFLICT (order_id) DO NOTHING`, u.ID, at); err != nil {
				return fmt.Errorf("open provisioning job: %w", err)
			}
		}
		out, err = getOrder(ctx, tx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FlagRefund marks captured money on an order that will not be provisioned. It does not
// touch status or version.
func (s *Store) FlagRefund(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET refund_required = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("flag refund: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkPolled stamps when the provider was last asked about the order.
func (s *Store) MarkPolled(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE orders SET polled_at = $1 WHERE id = $2`, utc(at), id); err != nil {
		return fmt.Errorf("mark polled: %w", err)
	}
	return nil
}

// ListRefundRequired returns flagged orders, oldest first.
func (s *Store) ListRefundRequired(ctx context.Context, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE refund_required = TRUE
		ORDER BY updated_at
		LIMIT $1`, limit)
}

// ListOrders returns orders in status last touched before updatedBefore. Orders never
// polled come first, then the ones polled longest ago, so a full batch rotates.
func (s *Store) ListOrders(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY polled_at IS NOT NULL, polled_at, updated_at
		LIMIT $3`, status, utc(updatedBefore), limit)
}

func (s *Store) listOrders(ctx context.Context, q string, args ...any) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
