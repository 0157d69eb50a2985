// Package database owns the postgres connection pool and the schema
// migrations of the approvals service.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes the connection pool.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// DSN renders the connection string for cfg.
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// DB wraps a pgx pool.
type DB struct {
	pool *pgxpool.Pool
}

// New opens the pool and verifies connectivity.
func New(ctx context.Context, cfg Config) (*DB, error) {
	return Open(ctx, cfg.DSN(), func(pc *pgxpool.Config) {
		if cfg.MaxConns > 0 {
			pc.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			pc.MinConns = cfg.MinConns
		}
		if cfg.MaxConnTime > 0 {
			pc.MaxConnLifetime = cfg.MaxConnTime
		}
		if cfg.MaxIdleTime > 0 {
			pc.MaxConnIdleTime = cfg.MaxIdleTime
		}
		if cfg.HealthCheck > 0 {
			pc.HealthCheckPeriod = cfg.HealthCheck
		}
	})
}

// Open connects using a raw DSN. tune may adjust the parsed pool config.
func Open(ctx context.Context, dsn string, tune func(*pgxpool.Config)) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if tune != nil {
		tune(poolCfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Pool exposes the underlying pool for libraries that take one directly.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close releases every connection.
func (db *DB) Close() { db.pool.Close() }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

func (db *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.pool.Exec(ctx, sql, args...)
}

// InTransaction runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsUniqueViolation reports whether err is a postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ConstraintName returns the violated constraint, if any.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
