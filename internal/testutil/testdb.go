package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/mescon/Mediamend/internal/db"
)

var testDBCounter atomic.Int64

// NewTestDB creates a uniquely named in-memory SQLite database with the real
// migrations applied. The pool is pinned to one connection so every query
// sees the same database.
func NewTestDB() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:mediamend_test_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	database, err := sql.Open(db.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	database.SetMaxOpenConns(1)

	if _, err := database.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}
