package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards an sqlx pool with a breaker. It covers the subset
// of the sqlx surface the stores use; the raw pool stays reachable via DB()
// for migrations.
type DatabaseWrapper struct {
	db      *sqlx.DB
	breaker *Breaker
}

func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	b := New("postgresql", DatabaseSettings(), logger)
	GlobalMetricsCollector.Register("postgresql", "database-client", b)
	return &DatabaseWrapper{db: db, breaker: b}
}

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.do(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var opErr error
	err := dw.do(ctx, func() error {
		opErr = dw.db.GetContext(ctx, dest, query, args...)
		// a missing row is a caller concern, not an outage
		if errors.Is(opErr, sql.ErrNoRows) {
			return nil
		}
		return opErr
	})
	if err != nil {
		return err
	}
	return opErr
}

func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.do(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.do(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BeginTxx guards transaction admission. Statements inside the transaction
// run unwrapped so an open transaction is never half-tripped.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	err := dw.do(ctx, func() error {
		var err error
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// DB returns the raw pool for operations not covered by the wrapper.
func (dw *DatabaseWrapper) DB() *sqlx.DB {
	return dw.db
}

func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

func (dw *DatabaseWrapper) do(ctx context.Context, fn func() error) error {
	err := dw.breaker.Do(ctx, fn)
	GlobalMetricsCollector.RecordRequest("postgresql", "database-client", dw.breaker.State(), err == nil)
	return err
}
