package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
)

func (s *Store) CreateTask(ctx context.Context, t *entitlement.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, capacity, claimed_count, created_at) VALUES ($1, $2, $3, 0, $4)`,
		t.ID, t.Title, t.Capacity, utc(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*entitlement.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*entitlement.Task, error) {
	var t entitlement.Task
	err := q.QueryRowContext(ctx,
		`SELECT id, title, capacity, claimed_count, created_at FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.Title, &t.Capacity, &t.ClaimedCount, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]entitlement.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, capacity, claimed_count, created_at FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Task
	for rows.Next() {
		var t entitlement.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Capacity, &t.ClaimedCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask takes one slot of r.TaskID for r.BuyerID against the grant r.OrderID. The
// counter bump and the reservation commit together: ErrConflict when the buyer or the grant
// already holds a slot, ErrNotFound for an unknown task, ErrExhausted when the task is full.
func (s *Store) ClaimTask(ctx context.Context, r *entitlement.Reservation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var held int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM task_reservations WHERE buyer_id = $1 OR order_id = $2`,
			r.BuyerID, r.OrderID).Scan(&held); err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if held > 0 {
			return storage.ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET claimed_count = claimed_count + 1
			WHERE id = $1 AND claimed_count < capacity`, r.TaskID)
		if err != nil {
			return fmt.Errorf("bump claimed count: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getTask(ctx, tx, r.TaskID); err != nil {
				return err
			}
			return storage.ErrExhausted
		}

		ok, err := insertOnce(ctx, tx, `
			INSERT INTO task_reservations (id, task_id, buyer_id, order_id, created_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`, r.ID, r.TaskID, r.BuyerID, r.OrderID, utc(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if !ok {
			// откатываем увеличение счётчика
			return storage.ErrConflict
		}
		return nil
	})
}

const reservationColumns = `id, task_id, buyer_id, order_id, created_at`

func scanReservation(row rowScanner) (*entitlement.Reservation, error) {
	var r entitlement.Reservation
	if err := row.Scan(&r.ID, &r.TaskID, &r.BuyerID, &r.OrderID, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *Store) FindReservation(ctx context.Context, buyerID string) (*entitlement.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM task_reservations WHERE buyer_id = $1`, buyerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return r, nil
}
