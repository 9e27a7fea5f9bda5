package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/circuitbreaker"
	"github.com/highlog/orchestrator/internal/config"
)

// Client manages the Postgres connection pool. All statement execution goes
// through the circuit-breaker wrapper; stores share one Client.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// NewClient opens the connection pool and verifies connectivity.
func NewClient(cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	rawDB, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxOpenConns)
	rawDB.SetMaxIdleConns(cfg.MaxIdleConns)
	rawDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return &Client{db: db, logger: logger}, nil
}

// NewClientFromDB wraps an existing pool. Used by tests with sqlmock.
func NewClientFromDB(raw *sqlx.DB, logger *zap.Logger) *Client {
	return &Client{db: circuitbreaker.NewDatabaseWrapper(raw, logger), logger: logger}
}

// DB returns the circuit-breaker wrapped pool.
func (c *Client) DB() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// Ping verifies connectivity, used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction, rolling back on error or
// panic.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Close shuts down the pool.
func (c *Client) Close() error {
	c.logger.Info("Closing database client")
	return c.db.Close()
}
