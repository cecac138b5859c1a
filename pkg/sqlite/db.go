// Package sqlite implements the persistence contracts of pkg/store on SQLite
// using the pure Go modernc.org/sqlite driver: the append-only event log,
// per-aggregate-type snapshot tables, projection checkpoints, the projection
// status table and the dead-letter sink.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// DB wraps a SQLite connection pool and carries the per-call query deadline.
// It is the single shared handle passed to every store; there are no hidden
// package-level connections.
type DB struct {
	*sql.DB
	queryTimeout time.Duration
}

type dbConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	queryTimeout time.Duration
	walMode      bool
}

func defaultDBConfig() dbConfig {
	return dbConfig{
		dsn:          "aidomain.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		queryTimeout: 5 * time.Second,
		walMode:      true,
	}
}

// Option configures Open.
type Option func(*dbConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *dbConfig) { c.dsn = dsn }
}

// WithMemoryDatabase switches to an in-memory database. Intended for tests.
func WithMemoryDatabase() Option {
	return func(c *dbConfig) { c.dsn = ":memory:" }
}

// WithPoolBounds sets the idle (min) and open (max) connection bounds.
func WithPoolBounds(minIdle, maxOpen int) Option {
	return func(c *dbConfig) {
		c.maxIdleConns = minIdle
		c.maxOpenConns = maxOpen
	}
}

// WithQueryTimeout sets the per-call deadline applied when the caller's
// context has none.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *dbConfig) { c.queryTimeout = d }
}

// WithWALMode toggles write-ahead logging. Recommended on, except for
// :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *dbConfig) { c.walMode = enabled }
}

// Open opens the database and configures the pool.
func Open(opts ...Option) (*DB, error) {
	config := defaultDBConfig()
	for _, opt := range opts {
		opt(&config)
	}

	sqlDB, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if config.dsn == ":memory:" {
		// Each pooled connection would get its own isolated in-memory
		// database; pin the pool to a single connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(config.maxOpenConns)
		sqlDB.SetMaxIdleConns(config.maxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	db := &DB{DB: sqlDB, queryTimeout: config.queryTimeout}

	if config.walMode && config.dsn != ":memory:" {
		if _, err := sqlDB.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	return db, nil
}

type txContextKey struct{}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok
}

// WithinTx runs fn inside a transaction carried in the context. Stores that
// honor the context join the same transaction, so an event append and a
// snapshot upsert (or a projection update and its checkpoint) commit
// atomically. A ctx that already carries a transaction joins it; commit and
// rollback stay with the outermost caller.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	ctx, cancel := db.opContext(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}

	return tx.Commit()
}

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Exec returns the transaction from ctx when present, the pool otherwise.
// Read models outside this package use it to join a projector's transaction.
func (db *DB) Exec(ctx context.Context) Executor {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db.DB
}

// opContext applies the configured query timeout when the caller's context
// carries no deadline.
func (db *DB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}
