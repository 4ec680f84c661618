package revdoc

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgxPool is a minimal abstraction over a Postgres connection pool.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Close shuts down the pool and frees resources.
	Close()
}

// executor is the subset of PgxPool shared with pgx.Tx. Every statement runs
// through one: the transaction bound to the context if present, the pool
// otherwise.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds the connection settings supplied once at process start.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// Prefix is prepended to every table name, so isolated logical
	// namespaces can share one physical database.
	Prefix string
	// MaxConns caps the pool size; zero keeps the pgxpool default.
	MaxConns int32
	// Logger receives SQL statement logging at debug level. Optional.
	Logger *zap.Logger
}

// DB owns the connection pool and the transaction scope mechanics.
type DB struct {
	pool   PgxPool
	prefix string
	logger *zap.Logger
}

// Connect acquires a connection pool and verifies the database is reachable.
// A *ConnectionError is returned when it is not; there is no retry here.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectionError{Err: err}
	}
	return NewDB(pool, cfg), nil
}

// NewDB wraps an existing pool. Used by Connect and by tests with pgxmock.
func NewDB(pool PgxPool, cfg Config) *DB {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{pool: pool, prefix: cfg.Prefix, logger: logger}
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// Prefix returns the configured table-name prefix.
func (db *DB) Prefix() string { return db.prefix }

// txKey carries the active transaction in a context. Unexported so the
// transaction handle cannot be planted or read from outside this package.
type txKey struct{}

// activeTx returns the transaction bound to ctx, if any.
func activeTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// executor picks the active transaction's connection over the pool, so
// nested calls inside a transaction see its uncommitted writes and never
// borrow a second connection.
func (db *DB) executor(ctx context.Context) executor {
	if tx, ok := activeTx(ctx); ok {
		return tx
	}
	return db.pool
}

// Query executes a SELECT against the active transaction or the pool.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.executor(ctx).Query(ctx, sql, args...)
	db.logQuery(sql, start, err)
	return rows, err
}

// QueryRow executes a single-row query against the active transaction or the pool.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.executor(ctx).QueryRow(ctx, sql, args...)
	db.logQuery(sql, start, nil)
	return row
}

// Exec executes a command against the active transaction or the pool.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := db.executor(ctx).Exec(ctx, sql, args...)
	db.logQuery(sql, start, err)
	return tag, err
}

func (db *DB) logQuery(sql string, start time.Time, err error) {
	if err != nil {
		db.logger.Debug("sql", zap.String("stmt", sql), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	db.logger.Debug("sql", zap.String("stmt", sql), zap.Duration("elapsed", time.Since(start)))
}

// Transaction runs fn inside one database transaction. The transaction's
// connection is bound to the context passed to fn, so any nested call that
// issues SQL through this DB reuses it without explicit threading. A nested
// Transaction call joins the enclosing transaction instead of opening a
// second one. Commit on success; rollback and return the original error on
// failure. The scope ends with fn: the caller's context never carries the
// transaction.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := activeTx(ctx); ok {
		return fn(ctx)
	}
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}
