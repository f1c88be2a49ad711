// Package catalog persists per-file validation and repair state, the scan
// history log, and the status transitions that scan history counts.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mescon/Mediamend/internal/clock"
	"github.com/mescon/Mediamend/internal/db"
	"github.com/mescon/Mediamend/internal/domain"
)

// ErrNotFound is returned when no record exists for a path.
var ErrNotFound = errors.New("catalog record not found")

// deleteChunkSize bounds the number of bound parameters per DELETE.
const deleteChunkSize = 500

// DefaultPageSize is used when a query does not specify one.
const DefaultPageSize = 200

// Transition kinds recorded in catalog_transitions.
const (
	TransitionRepaired = "repaired"
	TransitionFixed    = "fixed"
)

// FileState is the slice of a record the reconciler needs to decide on revalidation.
type FileState struct {
	MediaType domain.MediaType
	Status    domain.FileStatus
	FileMtime int64
	FileSize  int64
}

// Store is the catalog over a migrated SQLite database.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

func NewStore(database *sql.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Store{db: database, clock: clk}
}

const recordColumns = `path, media_type, status, error_log, checkpoint_results, duration,
	file_mtime, file_size, last_checked, repair_attempted_at, repair_result, repair_strategy`

// LoadIndex reads the whole catalog into a map keyed by path in a single query.
func (s *Store) LoadIndex(ctx context.Context) (map[string]FileState, error) {
	rows, err := db.QueryWithRetry(ctx, s.db, `SELECT path, media_type, status, file_mtime, file_size FROM media_files`)
	if err != nil {
		return nil, fmt.Errorf("load catalog index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]FileState)
	for rows.Next() {
		var path string
		var st FileState
		if err := rows.Scan(&path, &st.MediaType, &st.Status, &st.FileMtime, &st.FileSize); err != nil {
			return nil, fmt.Errorf("scan catalog index: %w", err)
		}
		index[path] = st
	}
	return index, rows.Err()
}

// Upsert writes rec as the single latest record for its path. Repair columns
// of an existing row are preserved. A failed to passed flip is logged as a
// "fixed" transition in the same transaction.
func (s *Store) Upsert(ctx context.Context, rec domain.FileRecord) error {
	errorLog, err := json.Marshal(nonNilLog(rec.ErrorLog))
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	checkpoints, err := json.Marshal(nonNilCheckpoints(rec.CheckpointResults))
	if err != nil {
		return fmt.Errorf("encode checkpoint results: %w", err)
	}

	tx, err := db.BeginWithRetry(ctx, s.db)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prior string
	err = tx.QueryRowContext(ctx, `SELECT status FROM media_files WHERE path = ?`, rec.Path).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read prior status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_files (path, media_type, status, error_log, checkpoint_results, duration, file_mtime, file_size, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			media_type = excluded.media_type,
			status = excluded.status,
			error_log = excluded.error_log,
			checkpoint_results = excluded.checkpoint_results,
			duration = excluded.duration,
			file_mtime = excluded.file_mtime,
			file_size = excluded.file_size,
			last_checked = excluded.last_checked`,
		rec.Path, string(rec.MediaType), string(rec.Status), string(errorLog), string(checkpoints),
		rec.Duration, rec.FileMtime, rec.FileSize, db.FormatTime(rec.LastChecked))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Path, err)
	}

	if domain.FileStatus(prior) == domain.StatusFailed && rec.Status == domain.StatusPassed {
		if err := s.insertTransition(ctx, tx, rec.Path, rec.MediaType, TransitionFixed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) insertTransition(ctx context.Context, tx *sql.Tx, path string, mediaType domain.MediaType, kind string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_transitions (path, media_type, kind, created_at) VALUES (?, ?, ?, ?)`,
		path, string(mediaType), kind, db.FormatTime(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("record %s transition for %s: %w", kind, path, err)
	}
	return nil
}

// RecordRepairAttempt stamps the latest repair attempt on a record. A
// successful attempt is logged as a "repaired" transition.
func (s *Store) RecordRepairAttempt(ctx context.Context, path string, result domain.RepairResult, strategy string) error {
	tx, err := db.BeginWithRetry(ctx, s.db)
	if err != nil {
		return fmt.Errorf("begin repair update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var mediaType string
	err = tx.QueryRowContext(ctx, `SELECT media_type FROM media_files WHERE path = ?`, path).Scan(&mediaType)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("read record %s: %w", path, err)
	}

	var strategyArg interface{}
	if strategy != "" {
		strategyArg = strategy
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE media_files SET repair_attempted_at = ?, repair_result = ?, repair_strategy = ? WHERE path = ?`,
		db.FormatTime(s.clock.Now()), string(result), strategyArg, path)
	if err != nil {
		return fmt.Errorf("update repair state for %s: %w", path, err)
	}

	if result == domain.RepairSuccess {
		if err := s.insertTransition(ctx, tx, path, domain.MediaType(mediaType), TransitionRepaired); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the record for path or ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (domain.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM media_files WHERE path = ?`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return rec, err
}

// DeletePaths removes the records for paths, chunked to stay under SQLite's
// parameter limit. Each chunk commits on its own.
func (s *Store) DeletePaths(ctx context.Context, paths []string) (int, error) {
	deleted := 0
	for start := 0; start < len(paths); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(paths))
		chunk := paths[start:end]

		args := make([]interface{}, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		res, err := db.ExecWithRetry(ctx, s.db, `DELETE FROM media_files WHERE path IN (`+placeholders+`)`, args...)
		if err != nil {
			return deleted, fmt.Errorf("delete catalog records: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, nil
}

// FailedRecords returns every record whose status is failed, oldest check first.
func (s *Store) FailedRecords(ctx context.Context) ([]domain.FileRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM media_files WHERE status = 'failed' ORDER BY last_checked, path`)
}

// FailedPaths returns the paths of every failed record.
func (s *Store) FailedPaths(ctx context.Context) ([]string, error) {
	rows, err := db.QueryWithRetry(ctx, s.db, `SELECT path FROM media_files WHERE status = 'failed' ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query failed paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]domain.FileRecord, error) {
	rows, err := db.QueryWithRetry(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []domain.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (domain.FileRecord, error) {
	var (
		rec                           domain.FileRecord
		errorLog, checkpoints         string
		lastChecked                   string
		attemptedAt, result, strategy sql.NullString
	)
	err := row.Scan(&rec.Path, &rec.MediaType, &rec.Status, &errorLog, &checkpoints, &rec.Duration,
		&rec.FileMtime, &rec.FileSize, &lastChecked, &attemptedAt, &result, &strategy)
	if err != nil {
		return rec, err
	}

	if err := json.Unmarshal([]byte(errorLog), &rec.ErrorLog); err != nil {
		return rec, fmt.Errorf("decode error log for %s: %w", rec.Path, err)
	}
	if err := json.Unmarshal([]byte(checkpoints), &rec.CheckpointResults); err != nil {
		return rec, fmt.Errorf("decode checkpoint results for %s: %w", rec.Path, err)
	}
	if rec.LastChecked, err = db.ParseTime(lastChecked); err != nil {
		return rec, fmt.Errorf("parse last_checked for %s: %w", rec.Path, err)
	}
	if attemptedAt.Valid {
		t, err := db.ParseTime(attemptedAt.String)
		if err != nil {
			return rec, fmt.Errorf("parse repair_attempted_at for %s: %w", rec.Path, err)
		}
		rec.RepairAttemptedAt = &t
	}
	rec.RepairResult = domain.RepairResult(result.String)
	rec.RepairStrategy = strategy.String
	return rec, nil
}

func nonNilLog(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func nonNilCheckpoints(m map[string]domain.CheckpointOutcome) map[string]domain.CheckpointOutcome {
	if m == nil {
		return map[string]domain.CheckpointOutcome{}
	}
	return m
}
