package catalog

import (
	"context"
	"fmt"

	"github.com/mescon/Mediamend/internal/db"
	"github.com/mescon/Mediamend/internal/domain"
)

// StatusFilter selects records by status in a paginated query.
type StatusFilter string

const (
	FilterAll    StatusFilter = "all"
	FilterPassed StatusFilter = "passed"
	FilterFailed StatusFilter = "failed"
)

// ParseStatusFilter maps "", "all", "passed" or "failed" to a filter.
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch StatusFilter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterPassed, FilterFailed:
		return StatusFilter(s), nil
	}
	return "", fmt.Errorf("invalid status filter %q", s)
}

// Query selects a page of records.
type Query struct {
	MediaType domain.MediaType
	Status    StatusFilter
	Page      int // 1-based
	PerPage   int
}

// Page is one page of query results.
type Page struct {
	Records []domain.FileRecord `json:"records"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	PerPage int                 `json:"per_page"`
}

// Query returns records for one media type, newest check first.
func (s *Store) Query(ctx context.Context, q Query) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = DefaultPageSize
	}

	where := `WHERE media_type = ?`
	args := []interface{}{string(q.MediaType)}
	if q.Status == FilterPassed || q.Status == FilterFailed {
		where += ` AND status = ?`
		args = append(args, string(q.Status))
	}

	page := Page{Page: q.Page, PerPage: q.PerPage, Records: []domain.FileRecord{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_files `+where, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count records: %w", err)
	}

	args = append(args, q.PerPage, (q.Page-1)*q.PerPage)
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM media_files `+where+` ORDER BY last_checked DESC, path LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return page, err
	}
	if records != nil {
		page.Records = records
	}
	return page, nil
}

// Stats returns aggregate counts for each requested media type. Types with no
// records are still reported, with zero counts.
func (s *Store) Stats(ctx context.Context, mediaTypes []domain.MediaType) ([]domain.MediaTypeStats, error) {
	byType := make(map[domain.MediaType]*domain.MediaTypeStats, len(mediaTypes))
	out := make([]domain.MediaTypeStats, len(mediaTypes))
	for i, mt := range mediaTypes {
		out[i] = domain.MediaTypeStats{MediaType: mt, CheckpointFailures: map[string]int{}}
		byType[mt] = &out[i]
	}

	rows, err := db.QueryWithRetry(ctx, s.db, `
		SELECT media_type,
			COUNT(*),
			SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM media_files GROUP BY media_type`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	for rows.Next() {
		var mt domain.MediaType
		var total, passed, failed int
		if err := rows.Scan(&mt, &total, &passed, &failed); err != nil {
			rows.Close()
			return nil, err
		}
		if st, ok := byType[mt]; ok {
			st.Total, st.Passed, st.Failed = total, passed, failed
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryWithRetry(ctx, s.db, `
		SELECT m.media_type, j.key, COUNT(*)
		FROM media_files m, json_each(m.checkpoint_results) j
		WHERE j.value = 'failed'
		GROUP BY m.media_type, j.key`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mt domain.MediaType
		var label string
		var n int
		if err := rows.Scan(&mt, &label, &n); err != nil {
			return nil, err
		}
		if st, ok := byType[mt]; ok {
			st.CheckpointFailures[label] = n
		}
	}
	return out, rows.Err()
}
