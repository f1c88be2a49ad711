package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mescon/Mediamend/internal/db"
	"github.com/mescon/Mediamend/internal/domain"
)

// AppendScan adds a scan history row and returns its sequence number.
// Repaired, Fixed and Watermark are filled in by BackfillScan.
func (s *Store) AppendScan(ctx context.Context, kind domain.ScanKind, mediaTypes []domain.MediaType, examined int) (int64, error) {
	if mediaTypes == nil {
		mediaTypes = []domain.MediaType{}
	}
	types, err := json.Marshal(mediaTypes)
	if err != nil {
		return 0, fmt.Errorf("encode media types: %w", err)
	}

	res, err := db.ExecWithRetry(ctx, s.db,
		`INSERT INTO scan_history (scanned_at, kind, media_types, examined) VALUES (?, ?, ?, ?)`,
		db.FormatTime(s.clock.Now()), string(kind), string(types), examined)
	if err != nil {
		return 0, fmt.Errorf("append scan history: %w", err)
	}
	return res.LastInsertId()
}

// BackfillScan counts the repaired and fixed transitions recorded since the
// previous scan and stores them on scan seq. The window is bounded by
// transition ids: (previous row's watermark, highest id now], so scans that
// share a timestamp or have no predecessor are counted exactly once.
func (s *Store) BackfillScan(ctx context.Context, seq int64) (repaired, fixed int, err error) {
	tx, err := db.BeginWithRetry(ctx, s.db)
	if err != nil {
		return 0, 0, fmt.Errorf("begin backfill: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT watermark FROM scan_history WHERE seq < ? ORDER BY seq DESC LIMIT 1), 0)`,
		seq).Scan(&previous); err != nil {
		return 0, 0, fmt.Errorf("read previous watermark: %w", err)
	}

	var watermark int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM catalog_transitions`).Scan(&watermark); err != nil {
		return 0, 0, fmt.Errorf("read transition watermark: %w", err)
	}
	if watermark < previous {
		watermark = previous
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'repaired' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'fixed' THEN 1 ELSE 0 END), 0)
		FROM catalog_transitions WHERE id > ? AND id <= ?`,
		previous, watermark).Scan(&repaired, &fixed); err != nil {
		return 0, 0, fmt.Errorf("count transitions: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE scan_history SET repaired = ?, fixed = ?, watermark = ? WHERE seq = ?`,
		repaired, fixed, watermark, seq)
	if err != nil {
		return 0, 0, fmt.Errorf("update scan history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, 0, fmt.Errorf("scan history row %d not found", seq)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return repaired, fixed, nil
}

// ScanHistory returns up to limit rows, newest first.
func (s *Store) ScanHistory(ctx context.Context, limit int) ([]domain.ScanHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryWithRetry(ctx, s.db,
		`SELECT seq, scanned_at, kind, media_types, examined, repaired, fixed, watermark
		 FROM scan_history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query scan history: %w", err)
	}
	defer rows.Close()

	entries := []domain.ScanHistoryEntry{}
	for rows.Next() {
		var e domain.ScanHistoryEntry
		var scannedAt, types string
		if err := rows.Scan(&e.Seq, &scannedAt, &e.Kind, &types, &e.Examined, &e.Repaired, &e.Fixed, &e.Watermark); err != nil {
			return nil, err
		}
		if e.ScannedAt, err = db.ParseTime(scannedAt); err != nil {
			return nil, fmt.Errorf("parse scanned_at: %w", err)
		}
		if err := json.Unmarshal([]byte(types), &e.MediaTypes); err != nil {
			return nil, fmt.Errorf("decode media types: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
