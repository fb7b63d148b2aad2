package store

import (
	"context"
	"fmt"
	"time"

	"github.com/magnet-cms/magnet/internal/model"
)

// InsertUsage appends one usage record.
func (s *Store) InsertUsage(ctx context.Context, u *model.APIKeyUsage) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	const q = `INSERT INTO api_key_usage
		(key_id, endpoint, method, status_code, response_time_ms, ip_address, user_agent, timestamp, error, schema_name)
		VALUES
		(:key_id, :endpoint, :method, :status_code, :response_time_ms, :ip_address, :user_agent, :timestamp, :error, :schema_name)`

	result, err := s.db.NamedExecContext(ctx, q, u)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get usage id: %w", err)
	}
	u.ID = id
	return nil
}

// CountUsageSince returns the number of usage records for a key with
// timestamp at or after the given instant. This drives the rate-limit window
// count.
func (s *Store) CountUsageSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM api_key_usage WHERE key_id = ? AND timestamp >= ?", keyID, since); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return count, nil
}

// ListUsage returns a most-recent-first page of raw usage records for a key.
func (s *Store) ListUsage(ctx context.Context, keyID string, limit, offset int) ([]model.APIKeyUsage, error) {
	var records []model.APIKeyUsage
	if err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM api_key_usage WHERE key_id = ? ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?",
		keyID, limit, offset); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}

// usageStatsRow maps the aggregate query for UsageStatsSince.
type usageStatsRow struct {
	Total   int64   `db:"total"`
	Success int64   `db:"success"`
	AvgMs   float64 `db:"avg_ms"`
}

// UsageStatsSince aggregates usage records for a key from the given instant.
// Success is a status code below 400.
func (s *Store) UsageStatsSince(ctx context.Context, keyID string, since time.Time) (model.UsageStats, error) {
	const q = `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END), 0) AS success,
		COALESCE(AVG(response_time_ms), 0) AS avg_ms
		FROM api_key_usage WHERE key_id = ? AND timestamp >= ?`

	var row usageStatsRow
	if err := s.db.GetContext(ctx, &row, q, keyID, since); err != nil {
		return model.UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}

	stats := model.UsageStats{
		TotalRequests:     row.Total,
		SuccessCount:      row.Success,
		ErrorCount:        row.Total - row.Success,
		AvgResponseTimeMs: row.AvgMs,
	}
	if row.Total > 0 {
		stats.SuccessRate = float64(row.Success) / float64(row.Total)
	}
	return stats, nil
}

// DeleteUsageBefore removes usage records older than the cutoff and returns
// how many were deleted.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM api_key_usage WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete usage rows affected: %w", err)
	}
	return n, nil
}
