package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/Mediamend/internal/logger"
)

// MaxRetries is the number of times to retry a database operation on SQLITE_BUSY
const MaxRetries = 5

// RetryDelay is the base delay between retries (increases exponentially)
const RetryDelay = 100 * time.Millisecond

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// IsBusy reports whether err is SQLite's "database is locked" condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op until it succeeds, fails with a non-busy error, the
// context ends, or MaxRetries is reached. Delays: 100ms, 200ms, 400ms, 800ms.
func withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if attempt == MaxRetries-1 {
			break
		}
		delay := RetryDelay * time.Duration(1<<attempt)
		logger.Debugf("Database busy on %s, retrying in %v (attempt %d/%d)", what, delay, attempt+1, MaxRetries)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// ExecWithRetry executes a SQL statement, retrying on SQLITE_BUSY.
func ExecWithRetry(ctx context.Context, db Execer, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := withRetry(ctx, "exec", func() error {
		var execErr error
		result, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryWithRetry executes a query, retrying on SQLITE_BUSY.
func QueryWithRetry(ctx context.Context, db Querier, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := withRetry(ctx, "query", func() error {
		var queryErr error
		rows, queryErr = db.QueryContext(ctx, query, args...)
		return queryErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BeginWithRetry starts a transaction, retrying on SQLITE_BUSY.
func BeginWithRetry(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	var tx *sql.Tx
	err := withRetry(ctx, "begin", func() error {
		var beginErr error
		tx, beginErr = db.BeginTx(ctx, nil)
		return beginErr
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}
