// Package sqlite implements the ledger store on an embedded SQLite database.
//
// Write transactions are opened with BEGIN IMMEDIATE, so the database write
// lock is taken before any balance is read. Readers run concurrently in WAL
// mode and never block writers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rg-fling/rgfling/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "rgfling.db"

// DB is the SQLite-backed ledger store.
type DB struct {
	conn
	db   *sql.DB
	path string
	log  *zap.Logger
}

var _ domain.LedgerStore = (*DB)(nil)

// Open opens (or creates) the ledger database inside dir and applies the
// schema.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(8)

	db := &DB{conn: conn{q: sqlDB}, db: sqlDB, path: path, log: zap.NewNop()}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
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

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return domain.Storage("ping", db.db.PingContext(ctx))
}

// Close closes the database.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// WithinTx runs fn inside one IMMEDIATE transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			db.rollback(sqlTx)
			panic(p)
		}
	}()

	if err := fn(&tx{conn: conn{q: sqlTx}}); err != nil {
		db.rollback(sqlTx)
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		db.rollback(sqlTx)
		return domain.Storage("commit", err)
	}
	return nil
}

func (db *DB) rollback(sqlTx *sql.Tx) {
	if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		db.log.Error("error rolling back transaction", zap.Error(err))
	}
}
