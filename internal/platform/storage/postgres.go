// Package storage implements the platform.StorageDriver contract against
// PostgreSQL using database/sql plus lib/pq behind an *sqlx.DB handle;
// query results are returned as plain rows, with no sqlx struct scanning.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/outpost-games/worldserver/infrastructure/errors"
	"github.com/outpost-games/worldserver/internal/platform"
	"github.com/outpost-games/worldserver/internal/platform/migrations"
)

// PostgresDriver adapts a *sqlx.DB to platform.StorageDriver.
type PostgresDriver struct {
	name string
	dsn  string
	db   *sqlx.DB
}

// New creates a driver bound to name (e.g. "primary", "entity_snapshot")
// and dsn. Connect does not happen until Start.
func New(name, dsn string) *PostgresDriver {
	return &PostgresDriver{name: name, dsn: dsn}
}

func (d *PostgresDriver) Name() string { return d.name }
func (d *PostgresDriver) Type() string { return "postgres" }
func (d *PostgresDriver) DB() any      { return d.db }

// Start opens the connection and pings it once to fail fast on a bad DSN.
func (d *PostgresDriver) Start(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", d.dsn)
	if err != nil {
		return errors.Wrap(errors.KindUnreachable, "connect to postgres endpoint "+d.name, err)
	}
	d.db = db
	return nil
}

// Stop closes the connection pool.
func (d *PostgresDriver) Stop(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping reports liveness using the driver-level ping, not a query.
func (d *PostgresDriver) Ping(ctx context.Context) error {
	if d.db == nil {
		return errors.InvalidState("storage driver " + d.name + " not started")
	}
	if err := d.db.PingContext(ctx); err != nil {
		return errors.Wrap(errors.KindUnreachable, "ping storage endpoint "+d.name, err)
	}
	return nil
}

// Validate runs the configured validation query against the endpoint,
// treating any row-producing query as healthy regardless of its result.
func (d *PostgresDriver) Validate(ctx context.Context, query string) error {
	if d.db == nil {
		return errors.InvalidState("storage driver " + d.name + " not started")
	}
	if query == "" {
		query = "SELECT 1"
	}
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(errors.KindUnreachable, "validation query failed on "+d.name, err)
	}
	return nil
}

// Migrate applies the embedded schema migrations against this endpoint.
func (d *PostgresDriver) Migrate(ctx context.Context) error {
	if d.db == nil {
		return errors.InvalidState("storage driver " + d.name + " not started")
	}
	return migrations.Apply(ctx, d.db.DB)
}

// Transaction runs fn inside a database transaction, committing on a nil
// return and rolling back otherwise.
func (d *PostgresDriver) Transaction(ctx context.Context, fn func(tx platform.StorageTx) error) error {
	if d.db == nil {
		return errors.InvalidState("storage driver " + d.name + " not started")
	}
	sqlTx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "begin transaction on "+d.name, err)
	}

	if err := fn(&sqlxTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Wrap(errors.KindInternal, "rollback after error on "+d.name, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(errors.KindInternal, "commit transaction on "+d.name, err)
	}
	return nil
}

// Stats reports connection pool statistics from the standard library.
func (d *PostgresDriver) Stats() platform.StorageStats {
	if d.db == nil {
		return platform.StorageStats{}
	}
	s := d.db.Stats()
	return platform.StorageStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		MaxOpen:         s.MaxOpenConnections,
		WaitCount:       s.WaitCount,
		WaitDuration:    s.WaitDuration,
	}
}

// SetPoolLimits configures the underlying *sql.DB connection pool; callers
// typically wire these from config.PoolConfig once Start has succeeded.
func (d *PostgresDriver) SetPoolLimits(maxOpen, maxIdle int, maxLifetime time.Duration) {
	if d.db == nil {
		return
	}
	d.db.SetMaxOpenConns(maxOpen)
	d.db.SetMaxIdleConns(maxIdle)
	d.db.SetConnMaxLifetime(maxLifetime)
}

// sqlxTx adapts *sqlx.Tx to platform.StorageTx.
type sqlxTx struct {
	tx *sqlx.Tx
}

func (t *sqlxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlxTx) Query(ctx context.Context, query string, args ...any) (platform.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return (*sqlRows)(rows), nil
}

func (t *sqlxTx) QueryRow(ctx context.Context, query string, args ...any) platform.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlxTx) Commit() error   { return t.tx.Commit() }
func (t *sqlxTx) Rollback() error { return t.tx.Rollback() }

// sqlRows adapts *sql.Rows to platform.Rows without re-declaring its
// already-matching method set.
type sqlRows sql.Rows

func (r *sqlRows) Next() bool               { return (*sql.Rows)(r).Next() }
func (r *sqlRows) Scan(dest ...any) error   { return (*sql.Rows)(r).Scan(dest...) }
func (r *sqlRows) Close() error             { return (*sql.Rows)(r).Close() }
func (r *sqlRows) Err() error               { return (*sql.Rows)(r).Err() }
