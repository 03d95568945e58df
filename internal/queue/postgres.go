package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDB is the slice of a pgx pool the adapter needs; pgxmock satisfies
// it in tests.
type PostgresDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresAdapter persists the queue in a key/value table for portal
// deployments that already run Postgres. Update takes a row lock
// (SELECT ... FOR UPDATE) inside a transaction for the atomic
// read-modify-write.
type PostgresAdapter struct {
	db PostgresDB
}

func NewPostgresAdapter(db PostgresDB) *PostgresAdapter {
	return &PostgresAdapter{db: db}
}

// EnsureSchema creates the backing table when it does not exist yet.
func (p *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS portal_offline_kv (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("queue: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.db.QueryRow(ctx, `SELECT v FROM portal_offline_kv WHERE k = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: postgres get: %w", err)
	}
	return v, nil
}

func (p *PostgresAdapter) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO portal_offline_kv (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v
	`, key, value)
	if err != nil {
		return fmt.Errorf("queue: postgres set: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Delete(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM portal_offline_kv WHERE k = $1`, key)
	if err != nil {
		return fmt.Errorf("queue: postgres delete: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	err = tx.QueryRow(ctx, `SELECT v FROM portal_offline_kv WHERE k = $1 FOR UPDATE`, key).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queue: postgres select for update: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM portal_offline_kv WHERE k = $1`, key); err != nil {
			return fmt.Errorf("queue: postgres delete: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `
			INSERT INTO portal_offline_kv (k, v) VALUES ($1, $2)
			ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v
		`, key, next); err != nil {
			return fmt.Errorf("queue: postgres upsert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("queue: postgres commit: %w", err)
	}
	return nil
}

// Close is a no-op: the pool's lifecycle belongs to whoever built it.
func (p *PostgresAdapter) Close() error { return nil }
