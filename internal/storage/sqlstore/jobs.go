package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
)

func scanJob(r rowScanner) (*entitlement.Job, error) {
	var (
		j    entitlement.Job
		done sql.NullTime
	)
	if err := r.Scan(&j.OrderID, &j.Attempts, &j.LastError, &j.CreatedAt, &done); err != nil {
		return nil, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.CompletedAt = nullTime(done)
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, orderID string) (*entitlement.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT order_id, attempts, last_error, created_at, completed_at
		FROM provisioning_jobs WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) PendingJobs(ctx context.Context, limit int) ([]entitlement.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, attempts, last_error, created_at, completed_at
		FROM provisioning_jobs WHERE completed_at IS NULL
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// RecordJobAttempt counts one provisioning run. A nil completedAt leaves the job pending.
func (s *Store) RecordJobAttempt(ctx context.Context, orderID, lastError string, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_jobs
		SET attempts = attempts + 1, last_error = $1, completed_at = COALESCE(completed_at, $2)
		WHERE order_id = $3`, lastError, timeArg(completedAt), orderID)
	if err != nil {
		return fmt.Errorf("record job attempt: %w", err)
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
