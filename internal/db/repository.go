package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Register pure-Go SQLite driver for database/sql

	"github.com/mescon/Mediamend/internal/logger"
)

// DriverName is the database/sql driver used at runtime.
const DriverName = "sqlite"

// TimeFormat is the fixed-width UTC layout used for every stored timestamp,
// so lexical order equals chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a value written by FormatTime, falling back to RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Repository owns the SQLite handle for the catalog, scan history and event log.
type Repository struct {
	DB   *sql.DB
	path string
}

// NewRepository opens (creating if needed) the database at dbPath and applies migrations.
func NewRepository(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers with one writer; a small pool keeps lock contention low.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Configure(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repo := &Repository{DB: db, path: dbPath}
	if err := repo.checkIntegrity(); err != nil {
		logger.Errorf("Warning: database integrity check failed: %v", err)
	}
	return repo, nil
}

// Configure sets SQLite pragmas. journal_mode, foreign_keys and busy_timeout are required.
func Configure(db *sql.DB) error {
	criticalPragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	for _, pragma := range criticalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set critical pragma %s: %w", pragma, err)
		}
	}

	optionalPragmas := []string{
		"PRAGMA synchronous=FULL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8000",
	}
	for _, pragma := range optionalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debugf("Failed to set optional pragma %s: %v", pragma, err)
		}
	}
	return nil
}

func (r *Repository) checkIntegrity() error {
	var result string
	if err := r.DB.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	logger.Debugf("Database integrity check passed")
	return nil
}

// Path returns the database file path.
func (r *Repository) Path() string {
	return r.path
}

func (r *Repository) Close() error {
	return r.DB.Close()
}

// GracefulClose merges the WAL into the main database file and closes the handle.
func (r *Repository) GracefulClose() error {
	logger.Infof("Database: initiating graceful shutdown...")
	if _, err := r.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warnf("Shutdown WAL checkpoint failed: %v", err)
	}
	if err := r.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	logger.Infof("Database shutdown complete")
	return nil
}

// =============================================================================
// Migrations
// =============================================================================

// Migrate applies every embedded migration newer than the recorded schema version.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		version, ok := parseMigrationVersion(file)
		if !ok {
			logger.Errorf("Skipping invalid migration file: %s", file)
			continue
		}
		if version <= current {
			continue
		}
		logger.Debugf("Applying migration: %s", file)
		if err := applyMigration(ctx, db, file, version); err != nil {
			return err
		}
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func parseMigrationVersion(file string) (int, bool) {
	var version int
	if _, err := fmt.Sscanf(file, "%d_", &version); err != nil {
		return 0, false
	}
	return version, true
}

func applyMigration(ctx context.Context, db *sql.DB, file string, version int) error {
	content, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, FormatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to record migration version %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", file, err)
	}
	return nil
}

// =============================================================================
// Maintenance
// =============================================================================

type pruneOperation struct {
	name   string
	query  string
	args   []interface{}
	format string
}

func (r *Repository) executePruneOperation(ctx context.Context, op pruneOperation) {
	result, err := ExecWithRetry(ctx, r.DB, op.query, op.args...)
	if err != nil {
		logger.Errorf("Failed to %s: %v", op.name, err)
		return
	}
	if deleted, _ := result.RowsAffected(); deleted > 0 {
		logger.Infof(op.format, deleted)
	}
}

// RunMaintenance prunes events, scan history and counted transitions older
// than retentionDays, then vacuums and analyzes. The newest scan row is always
// kept because the next scan's counts start from its watermark.
func (r *Repository) RunMaintenance(ctx context.Context, retentionDays int) error {
	logger.Infof("Starting database maintenance...")

	if retentionDays > 0 {
		cutoff := FormatTime(time.Now().AddDate(0, 0, -retentionDays))
		pruneOps := []pruneOperation{
			{
				name:   "prune old events",
				query:  "DELETE FROM events WHERE created_at < ?",
				args:   []interface{}{cutoff},
				format: "Pruned %d old events",
			},
			{
				name:   "prune old scan history",
				query:  "DELETE FROM scan_history WHERE scanned_at < ? AND seq < (SELECT MAX(seq) FROM scan_history)",
				args:   []interface{}{cutoff},
				format: "Pruned %d old scan history rows",
			},
			{
				name:   "prune counted transitions",
				query:  "DELETE FROM catalog_transitions WHERE created_at < ? AND id <= (SELECT COALESCE(MAX(watermark), 0) FROM scan_history)",
				args:   []interface{}{cutoff},
				format: "Pruned %d counted catalog transitions",
			},
		}
		for _, op := range pruneOps {
			r.executePruneOperation(ctx, op)
		}
	}

	maintenanceOps := []struct {
		name        string
		sql         string
		warnOnError bool
	}{
		{"incremental vacuum", "PRAGMA incremental_vacuum", true},
		{"database analysis", "ANALYZE", true},
		{"WAL checkpoint", "PRAGMA wal_checkpoint(TRUNCATE)", false},
	}
	for _, op := range maintenanceOps {
		if _, err := r.DB.ExecContext(ctx, op.sql); err != nil {
			if op.warnOnError {
				logger.Errorf("Failed to run %s: %v", op.name, err)
			} else {
				logger.Debugf("%s failed (might not be applicable): %v", op.name, err)
			}
			continue
		}
		logger.Debugf("%s completed", op.name)
	}

	logger.Infof("Database maintenance completed")
	return ctx.Err()
}

// GetDatabaseStats returns size and row-count statistics.
func (r *Repository) GetDatabaseStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var pageCount, pageSize, freelistCount int64
	if err := r.DB.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page_count: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page_size: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freelistCount); err != nil {
		return nil, fmt.Errorf("failed to get freelist_count: %w", err)
	}
	stats["size_bytes"] = pageCount * pageSize
	stats["freelist_bytes"] = freelistCount * pageSize

	// Table names are fixed here, never user input.
	tables := []string{"media_files", "scan_history", "catalog_transitions", "events"}
	tableCounts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err == nil {
			tableCounts[table] = count
		}
	}
	stats["table_counts"] = tableCounts

	var journalMode string
	if err := r.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return nil, fmt.Errorf("failed to get journal_mode: %w", err)
	}
	stats["journal_mode"] = journalMode
	return stats, nil
}

// =============================================================================
// Backups
// =============================================================================

// Backup writes a consistent copy of the database with VACUUM INTO into a
// "backups" directory beside the database, verifies it and keeps the newest keep copies.
func (r *Repository) Backup(ctx context.Context, keep int) (string, error) {
	if r.path == "" {
		return "", fmt.Errorf("backup requires a file-backed database")
	}
	if err := r.checkIntegrity(); err != nil {
		return "", fmt.Errorf("refusing to backup corrupted database: %w", err)
	}

	backupDir := filepath.Join(filepath.Dir(r.path), "backups")
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102_150405.000")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("mediamend_%s.db", timestamp))

	// backupPath is built from config and a timestamp; quotes are escaped regardless.
	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := r.DB.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup failed: %w", err)
	}

	if err := verifyBackupIntegrity(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}
	logger.Infof("Database backup verified: %s", filepath.Base(backupPath))

	cleanupOldBackups(backupDir, keep)
	return backupPath, nil
}

func verifyBackupIntegrity(backupPath string) error {
	backupDB, err := sql.Open(DriverName, backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup for verification: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("backup integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup integrity check failed: %s", result)
	}
	return nil
}

// cleanupOldBackups removes all but the newest keep backup files.
func cleanupOldBackups(backupDir string, keep int) {
	if keep <= 0 {
		return
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		logger.Errorf("Failed to read backup directory: %v", err)
		return
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "mediamend_") && strings.HasSuffix(entry.Name(), ".db") {
			names = append(names, entry.Name())
		}
	}
	// Timestamped names sort chronologically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names[min(keep, len(names)):] {
		path := filepath.Join(backupDir, name)
		if err := os.Remove(path); err != nil {
			logger.Errorf("Failed to remove old backup %s: %v", path, err)
			continue
		}
		logger.Infof("Removed old backup: %s", name)
	}
}
