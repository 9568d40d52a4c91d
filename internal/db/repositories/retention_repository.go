package repositories

import (
	"context"
	"database/sql"
	"time"
)

// RetentionRepository holds the administrative operations on audit_logs that sit
// outside the append-only store: purging expired entries and summarising the table.
type RetentionRepository struct {
	db *sql.DB
}

// NewRetentionRepository creates a new RetentionRepository
func NewRetentionRepository(db *sql.DB) *RetentionRepository {
	return &RetentionRepository{db: db}
}

// PurgeBefore deletes every entry with created_at <= cutoff and returns how many were removed
func (r *RetentionRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, classifyError(err)
	}
	return res.RowsAffected()
}

// EventTypeCount is one row of CountByEventType
type EventTypeCount struct {
	EventType string
	Count     int64
}

// CountByEventType returns the number of entries per event type, largest first
func (r *RetentionRepository) CountByEventType(ctx context.Context) ([]EventTypeCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM audit_logs
		GROUP BY event_type
		ORDER BY COUNT(*) DESC, event_type
	`)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	counts := make([]EventTypeCount, 0)
	for rows.Next() {
		var c EventTypeCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// OldestEntry returns the created_at of the oldest entry, or nil when the table is empty
func (r *RetentionRepository) OldestEntry(ctx context.Context) (*time.Time, error) {
	var oldest sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM audit_logs`).Scan(&oldest); err != nil {
		return nil, classifyError(err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	t := oldest.Time
	return &t, nil
}
