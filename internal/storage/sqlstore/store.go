// Package sqlstore implements storage.Storage over database/sql for PostgreSQL (pgx)
// and SQLite (modernc). Both dialects share the same statements.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antonminaichev/payflow/internal/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "pgx"
	SQLite   Dialect = "sqlite"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ storage.Storage = (*Store)(nil)

// DialectOf picks the driver from the DSN: postgres:// URLs go to pgx, everything
// else (a path, file: URI or sqlite:// URL) to SQLite.
func DialectOf(dsn string) (Dialect, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return SQLite, dsn
	}
}

func New(dsn string) (*Store, error) {
	d, dsn := DialectOf(dsn)
	if d == SQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if d == SQLite {
		// один писатель; параллельные транзакции ждут соединение в пуле
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, dialect: d}

	// проверяем, что БД жива
	if err := s.db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// создаём таблицы
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) initSchema() error {
	ts := "TIMESTAMPTZ"
	if s.dialect == SQLite {
		ts = "TIMESTAMP"
	}
	for _, q := range schema {
		if _, err := s.db.Exec(strings.ReplaceAll(q, "{ts}", ts)); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		package_type TEXT NOT NULL,
		buyer_name TEXT NOT NULL,
		buyer_email TEXT NOT NULL,
		buyer_phone TEXT NOT NULL,
		buyer_city TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		provider_session_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		provisioned BOOLEAN NOT NULL DEFAULT FALSE,
		refund_required BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL,
		polled_at {ts}
	)`,
	`CREATE INDEX IF NOT EXISTS orders_status_updated_idx ON orders (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS buyer_sessions (
		session_id TEXT PRIMARY KEY,
		active_order_id TEXT NOT NULL REFERENCES orders(id),
		updated_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS provider_events (
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at {ts} NOT NULL,
		processed_at {ts},
		PRIMARY KEY (provider, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS provisioning_jobs (
		order_id TEXT PRIMARY KEY REFERENCES orders(id),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at {ts} NOT NULL,
		completed_at {ts}
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		order_id TEXT UNIQUE NOT NULL REFERENCES orders(id),
		buyer_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		starts_at {ts} NOT NULL,
		expires_at {ts} NOT NULL,
		created_at {ts} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS memberships_buyer_idx ON memberships (buyer_id, tier)`,
	`CREATE TABLE IF NOT EXISTS digital_identities (
		id TEXT PRIMARY KEY,
		order_id TEXT UNIQUE NOT NULL REFERENCES orders(id),
		document_number TEXT UNIQUE NOT NULL,
		full_name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT NOT NULL,
		city TEXT NOT NULL,
		issued_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_grants (
		order_id TEXT PRIMARY KEY REFERENCES orders(id),
		buyer_id TEXT NOT NULL,
		created_at {ts} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_grants_buyer_idx ON task_grants (buyer_id)`,
	`CREATE TABLE IF NOT EXISTS forum_accounts (
		order_id TEXT PRIMARY KEY REFERENCES orders(id),
		buyer_id TEXT NOT NULL,
		username TEXT UNIQUE NOT NULL,
		issued_at {ts} NOT NULL,
		redeemed_at {ts},
		password_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		capacity INTEGER NOT NULL CHECK (capacity >= 0),
		claimed_count INTEGER NOT NULL DEFAULT 0 CHECK (claimed_count <= capacity),
		created_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_reservations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		buyer_id TEXT UNIQUE NOT NULL,
		order_id TEXT UNIQUE NOT NULL,
		created_at {ts} NOT NULL
	)`,
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is the part of *sql.DB and *sql.Tx the statements need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction. Inside fn only tx may be used: with SQLite the
// pool holds a single connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
