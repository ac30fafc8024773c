package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresPoolConfig sizes the database/sql pool. Zero fields take defaults.
type PostgresPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration

	// ApplicationName shows up in pg_stat_activity.
	ApplicationName string
}

// OpenPostgres opens a pgx-backed *sql.DB and pings it. The DSN carries
// credentials and is never logged.
func OpenPostgres(ctx context.Context, dsn string, pool PostgresPoolConfig) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if pool.ApplicationName == "" {
		pool.ApplicationName = "callcenter-platform"
	}
	connCfg.RuntimeParams["application_name"] = pool.ApplicationName

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(orInt(pool.MaxOpenConns, 25))
	db.SetMaxIdleConns(orInt(pool.MaxIdleConns, 25))
	db.SetConnMaxLifetime(orDuration(pool.ConnMaxLifetime, 30*time.Minute))
	db.SetConnMaxIdleTime(orDuration(pool.ConnMaxIdleTime, 5*time.Minute))

	if err := HealthCheck(ctx, db, orDuration(pool.PingTimeout, 5*time.Second)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck fails when the database does not answer a ping within timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// TxFunc is the unit of work WithTx runs.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// txAttempts bounds reruns after serialization failures and deadlocks.
const txAttempts = 3

// WithTx runs fn in a transaction and commits if fn returns nil. When
// Postgres aborts the transaction with a serialization failure or a deadlock,
// fn runs again in a fresh transaction, so fn must only touch tx.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = runTx(ctx, db, opts, fn)
		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// runTx rolls back on error or panic.
func runTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	finished := false
	defer func() {
		if !finished {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	finished = true
	return tx.Commit()
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func isRetryable(err error) bool {
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
