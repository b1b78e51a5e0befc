package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	conflict "github.com/dayplan-app/conflictkit"
	conflictErrors "github.com/dayplan-app/conflictkit/errors"
)

// searchLimit caps free-text search results; search is a support tool, not a
// pagination surface.
const searchLimit = 100

// Query returns one page of records matching the filter plus the total match
// count, newest first.
func (s *Store) Query(ctx context.Context, f conflict.Filter, p conflict.Page) ([]*conflict.Record, int, error) {
	if err := s.guard(); err != nil {
		return nil, 0, err
	}

	where, args := buildWhere(f)

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}

	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Number <= 0 {
		p.Number = 1
	}
	offset := (p.Number - 1) * p.Size

	query := s.selectClause() + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Size, offset)...)
	if err != nil {
		return nil, 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}
	defer rows.Close()

	records, err := s.scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Stats aggregates record counts and the average resolution time.
func (s *Store) Stats(ctx context.Context) (*conflict.Stats, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	stats := &conflict.Stats{
		ByEntityType: map[string]int{},
		ByResolution: map[string]int{},
	}

	totalsQuery := fmt.Sprintf(`SELECT COUNT(*),
        COALESCE(SUM(CASE WHEN resolved_at IS NULL THEN 1 ELSE 0 END), 0)
        FROM %s`, s.table)
	if err := s.db.QueryRowContext(ctx, totalsQuery).Scan(&stats.Total, &stats.Unresolved); err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpStats, "storage/sqlite")
	}
	stats.Resolved = stats.Total - stats.Unresolved

	byTypeQuery := fmt.Sprintf(`SELECT entity_type, COUNT(*) FROM %s GROUP BY entity_type`, s.table)
	if err := s.scanGroupCounts(ctx, byTypeQuery, stats.ByEntityType); err != nil {
		return nil, err
	}

	byResQuery := fmt.Sprintf(`SELECT json_extract(resolution, '$.type'), COUNT(*)
        FROM %s WHERE resolution IS NOT NULL GROUP BY json_extract(resolution, '$.type')`, s.table)
	if err := s.scanGroupCounts(ctx, byResQuery, stats.ByResolution); err != nil {
		return nil, err
	}

	var avgMillis sql.NullFloat64
	avgQuery := fmt.Sprintf(`SELECT AVG((julianday(resolved_at) - julianday(created_at)) * 86400000.0)
        FROM %s WHERE resolved_at IS NOT NULL`, s.table)
	if err := s.db.QueryRowContext(ctx, avgQuery).Scan(&avgMillis); err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpStats, "storage/sqlite")
	}
	if avgMillis.Valid {
		stats.AverageResolutionTime = time.Duration(avgMillis.Float64 * float64(time.Millisecond))
	}

	return stats, nil
}

// Trend returns a zero-filled per-day series of detected and resolved counts
// for the last days days, oldest first.
func (s *Store) Trend(ctx context.Context, days int) ([]conflict.TrendPoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 7
	}

	since := time.Now().UTC().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	detected := map[string]int{}
	detectedQuery := fmt.Sprintf(`SELECT date(created_at), COUNT(*) FROM %s
        WHERE created_at >= ? GROUP BY date(created_at)`, s.table)
	if err := s.scanDateCounts(ctx, detectedQuery, since, detected); err != nil {
		return nil, err
	}

	resolved := map[string]int{}
	resolvedQuery := fmt.Sprintf(`SELECT date(resolved_at), COUNT(*) FROM %s
        WHERE resolved_at >= ? GROUP BY date(resolved_at)`, s.table)
	if err := s.scanDateCounts(ctx, resolvedQuery, since, resolved); err != nil {
		return nil, err
	}

	points := make([]conflict.TrendPoint, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format("2006-01-02")
		points = append(points, conflict.TrendPoint{
			Date:     day,
			Detected: detected[day],
			Resolved: resolved[day],
		})
	}
	return points, nil
}

// Search matches keyword against record id, entity id and the stored
// snapshot content, newest first.
func (s *Store) Search(ctx context.Context, keyword string) ([]*conflict.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if keyword == "" {
		return []*conflict.Record{}, nil
	}

	pattern := "%" + keyword + "%"
	query := s.selectClause() + ` WHERE id LIKE ? OR entity_id LIKE ? OR local_data LIKE ? OR server_data LIKE ?
        ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, pattern, pattern, pattern, pattern, searchLimit)
	if err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpSearch, "storage/sqlite")
	}
	defer rows.Close()

	return s.scanRecords(rows)
}

func buildWhere(f conflict.Filter) (string, []any) {
	clauses := []string{}
	args := []any{}

	if f.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Resolution != "" {
		clauses = append(clauses, "json_extract(resolution, '$.type') = ?")
		args = append(args, string(f.Resolution))
	}
	if f.Resolved != nil {
		if *f.Resolved {
			clauses = append(clauses, "resolved_at IS NOT NULL")
		} else {
			clauses = append(clauses, "resolved_at IS NULL")
		}
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UTC())
	}

	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func (s *Store) scanGroupCounts(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return conflictErrors.WrapOpComponent(err, conflictErrors.OpStats, "storage/sqlite")
	}
	defer rows.Close()

	for rows.Next() {
		var key sql.NullString
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return conflictErrors.WrapOpComponent(err, conflictErrors.OpStats, "storage/sqlite")
		}
		if key.Valid {
			into[key.String] = count
		}
	}
	return rows.Err()
}

func (s *Store) scanDateCounts(ctx context.Context, query string, since time.Time, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return conflictErrors.WrapOpComponent(err, conflictErrors.OpTrend, "storage/sqlite")
	}
	defer rows.Close()

	for rows.Next() {
		var day sql.NullString
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return conflictErrors.WrapOpComponent(err, conflictErrors.OpTrend, "storage/sqlite")
		}
		if day.Valid {
			into[day.String] = count
		}
	}
	return rows.Err()
}
