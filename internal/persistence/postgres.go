package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresDB is a pgx connection pool exposed through database/sql.
type PostgresDB struct {
	Pool *pgxpool.Pool
	DB   *sql.DB
}

// OpenPostgres creates a pgx pool for dsn, verifies connectivity and wraps
// the pool in an *sql.DB for the SQL stores.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresDB{Pool: pool, DB: stdlib.OpenDBFromPool(pool)}, nil
}

// Close closes the database handle and the pool.
func (p *PostgresDB) Close() error {
	err := p.DB.Close()
	p.Pool.Close()
	return err
}
