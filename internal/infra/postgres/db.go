// Package postgres implements the ledger store on PostgreSQL via pgx.
//
// Write transactions run at READ COMMITTED and take row locks on the
// affected accounts with SELECT ... FOR UPDATE (in id order) before reading
// any balance. Each statement sees the latest committed ledger, so the
// balance check after the lock is exact.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
)

// DB is the PostgreSQL-backed ledger store.
type DB struct {
	conn
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ domain.LedgerStore = (*DB)(nil)

// Open connects to dsn, pings, and applies pending migrations.
func Open(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{conn: conn{q: pool}, pool: pool, log: zap.NewNop()}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SetLogger attaches a logger for rollback failures.
func (db *DB) SetLogger(l *zap.Logger) {
	if l != nil {
		db.log = l
	}
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return domain.Storage("ping", db.pool.Ping(ctx))
}

// Close releases the pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// migrate applies each numbered migration once, holding an advisory lock so
// concurrent instances do not race.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer db.rollback(tx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('rgfling-migrate'))`); err != nil {
		return err
	}
	for i, stmt := range Migrations() {
		version := i + 1
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, version); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// WithinTx runs fn inside one READ COMMITTED transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	pgTx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Storage("begin", mapErr(err))
	}

	defer func() {
		if p := recover(); p != nil {
			db.rollback(pgTx)
			panic(p)
		}
	}()

	if err := fn(&tx{conn: conn{q: pgTx}}); err != nil {
		db.rollback(pgTx)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		db.rollback(pgTx)
		return domain.Storage("commit", mapErr(err))
	}
	return nil
}

// rollback uses a fresh context: the caller's may already be cancelled.
func (db *DB) rollback(pgTx pgx.Tx) {
	if err := pgTx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		db.log.Error("error rolling back transaction", zap.Error(err))
	}
}
