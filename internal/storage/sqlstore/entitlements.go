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

// insertOnce runs an ON CONFLICT DO NOTHING insert and reports whether a row was written.
func insertOnce(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// ActivateMembership stores m for its order with a period of days starting at the later of
// m.StartsAt and the buyer's latest expiry for the tier. Activations for one buyer and tier
// are serialised, so concurrent orders stack instead of overlapping. On success m carries
// the stored period; false means the order already had its membership.
func (s *Store) ActivateMembership(ctx context.Context, m *entitlement.Membership, days int) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == Postgres {
			// SQLite transactions start IMMEDIATE and already hold the write lock
			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock(hashtext($1))`, "membership:"+m.BuyerID+":"+m.Tier); err != nil {
				return fmt.Errorf("lock membership: %w", err)
			}
		}

		var latest sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT expires_at FROM memberships
			WHERE buyer_id = $1 AND tier = $2
			ORDER BY expires_at DESC LIMIT 1`, m.BuyerID, m.Tier).Scan(&latest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("latest membership: %w", err)
		}
		start := utc(m.StartsAt)
		if latest.Valid && latest.Time.After(start) {
			start = latest.Time.UTC()
		}

		ok, err := insertOnce(ctx, tx, `
			INSERT INTO memberships (id, order_id, buyer_id, tier, starts_at, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (order_id) DO NOTHING`,
			m.ID, m.OrderID, m.BuyerID, m.Tier, start, start.AddDate(0, 0, days), utc(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		if ok {
			m.StartsAt, m.ExpiresAt = start, start.AddDate(0, 0, days)
		}
		created = ok
		return nil
	})
	return created, err
}

// CreateIdentity returns ErrConflict when the document number is taken by another order.
func (s *Store) CreateIdentity(ctx context.Context, id *entitlement.Identity) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := insertOnce(ctx, tx, `
			INSERT INTO digital_identities (id, order_id, document_number, full_name, email, phone, city, issued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			id.ID, id.OrderID, id.DocumentNumber, id.FullName, id.Email, id.Phone, id.City, utc(id.IssuedAt))
		if err != nil {
			return fmt.Errorf("insert identity: %w", err)
		}
		if ok {
			created = true
			return nil
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM digital_identities WHERE order_id = $1`, id.OrderID).Scan(&n); err != nil {
			return fmt.Errorf("count identities: %w", err)
		}
		if n == 0 {
			return storage.ErrConflict
		}
		return nil
	})
	return created, err
}

func (s *Store) CreateTaskGrant(ctx context.Context, g *entitlement.TaskGrant) (bool, error) {
	ok, err := insertOnce(ctx, s.db, `
		INSERT INTO task_grants (order_id, buyer_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING`, g.OrderID, g.BuyerID, utc(g.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert task grant: %w", err)
	}
	return ok, nil
}

// FindTaskGrant returns the buyer's oldest task selection grant.
func (s *Store) FindTaskGrant(ctx context.Context, buyerID string) (*entitlement.TaskGrant, error) {
	var g entitlement.TaskGrant
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, buyer_id, created_at FROM task_grants
		WHERE buyer_id = $1
		ORDER BY created_at, order_id LIMIT 1`, buyerID).
		Scan(&g.OrderID, &g.BuyerID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task grant: %w", err)
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return &g, nil
}

// CreateForumAccount returns ErrConflict when the username belongs to another order.
func (s *Store) CreateForumAccount(ctx context.Context, a *entitlement.ForumAccount) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := insertOnce(ctx, tx, `
			INSERT INTO forum_accounts (order_id, buyer_id, username, issued_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, a.OrderID, a.BuyerID, a.Username, utc(a.IssuedAt))
		if err != nil {
			return fmt.Errorf("insert forum account: %w", err)
		}
		if ok {
			created = true
			return nil
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM forum_accounts WHERE order_id = $1`, a.OrderID).Scan(&n); err != nil {
			return fmt.Errorf("count forum accounts: %w", err)
		}
		if n == 0 {
			return storage.ErrConflict
		}
		return nil
	})
	return created, err
}

const forumColumns = `order_id, buyer_id, username, issued_at, redeemed_at, password_hash`

func scanForum(r rowScanner) (*entitlement.ForumAccount, error) {
	var (
		a        entitlement.ForumAccount
		redeemed sql.NullTime
	)
	if err := r.Scan(&a.OrderID, &a.BuyerID, &a.Username, &a.IssuedAt, &redeemed, &a.PasswordHash); err != nil {
		return nil, err
	}
	a.IssuedAt = a.IssuedAt.UTC()
	a.RedeemedAt = nullTime(redeemed)
	return &a, nil
}

func (s *Store) FindForumAccount(ctx context.Context, username string) (*entitlement.ForumAccount, error) {
	a, err := scanForum(s.db.QueryRowContext(ctx,
		`SELECT `+forumColumns+` FROM forum_accounts WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find forum account: %w", err)
	}
	return a, nil
}

// RedeemForumAccount sets the password once; a second redeem gets ErrConflict.
func (s *Store) RedeemForumAccount(ctx context.Context, orderID, passwordHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE forum_accounts SET redeemed_at = $1, password_hash = $2
		WHERE order_id = $3 AND redeemed_at IS NULL`, utc(at), passwordHash, orderID)
	if err != nil {
		return fmt.Errorf("redeem forum account: %w", err)
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

// GetBundle collects whatever has been granted for the order so far.
func (s *Store) GetBundle(ctx context.Context, orderID string) (*entitlement.Bundle, error) {
	b := &entitlement.Bundle{OrderID: orderID}

	var m entitlement.Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, buyer_id, tier, starts_at, expires_at, created_at
		FROM memberships WHERE order_id = $1`, orderID).
		Scan(&m.ID, &m.OrderID, &m.BuyerID, &m.Tier, &m.StartsAt, &m.ExpiresAt, &m.CreatedAt)
	switch {
	case err == nil:
		m.StartsAt, m.ExpiresAt, m.CreatedAt = m.StartsAt.UTC(), m.ExpiresAt.UTC(), m.CreatedAt.UTC()
		b.Membership = &m
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load membership: %w", err)
	}

	var id entitlement.Identity
	err = s.db.QueryRowContext(ctx, `
		SELECT id, order_id, document_number, full_name, email, phone, city, issued_at
		FROM digital_identities WHERE order_id = $1`, orderID).
		Scan(&id.ID, &id.OrderID, &id.DocumentNumber, &id.FullName, &id.Email, &id.Phone, &id.City, &id.IssuedAt)
	switch {
	case err == nil:
		id.IssuedAt = id.IssuedAt.UTC()
		b.Identity = &id
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load identity: %w", err)
	}

	var g entitlement.TaskGrant
	err = s.db.QueryRowContext(ctx,
		`SELECT order_id, buyer_id, created_at FROM task_grants WHERE order_id = $1`, orderID).
		Scan(&g.OrderID, &g.BuyerID, &g.CreatedAt)
	switch {
	case err == nil:
		g.CreatedAt = g.CreatedAt.UTC()
		b.TaskSelection = &g
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load task grant: %w", err)
	}

	r, err := scanReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM task_reservations WHERE order_id = $1`, orderID))
	switch {
	case err == nil:
		b.TaskSlot = r
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load task reservation: %w", err)
	}

	a, err := scanForum(s.db.QueryRowContext(ctx,
		`SELECT `+forumColumns+` FROM forum_accounts WHERE order_id = $1`, orderID))
	switch {
	case err == nil:
		b.Forum = a
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load forum account: %w", err)
	}
	return b, nil
}
