// audit_repository.go implements AuditRepository, the append-only store for audit log
// entries. Writes are single INSERTs with no retry; reads are lazy sequences, each backed
// by one of the audit_logs indexes (user, table+record, event type, created_at).
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/auditlogs/auditlogs/internal/db/models"
)

const auditColumns = `id, user_id, event_type, table_name, record_id, old_values, new_values, ip_address, user_agent, created_at, updated_at`

// AuditRepository handles audit log database operations.
// It exposes no update or delete: entries are immutable once recorded.
type AuditRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db, now: time.Now}
}

// WithClock replaces the timestamp source used by Record. Intended for tests.
func (r *AuditRepository) WithClock(now func() time.Time) *AuditRepository {
	r.now = now
	return r
}

// auditLogRow is the scan target for audit_logs rows
type auditLogRow struct {
	ID        int64          `db:"id"`
	UserID    sql.NullInt64  `db:"user_id"`
	EventType string         `db:"event_type"`
	TableName string         `db:"table_name"`
	RecordID  sql.NullInt64  `db:"record_id"`
	OldValues []byte         `db:"old_values"`
	NewValues []byte         `db:"new_values"`
	IPAddress sql.NullString `db:"ip_address"`
	UserAgent sql.NullString `db:"user_agent"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (row *auditLogRow) toModel() *models.AuditLog {
	log := &models.AuditLog{
		ID:        row.ID,
		EventType: row.EventType,
		TableName: row.TableName,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.UserID.Valid {
		uid := row.UserID.Int64
		log.UserID = &uid
	}
	if row.RecordID.Valid {
		rid := uint64(row.RecordID.Int64)
		log.RecordID = &rid
	}
	if row.OldValues != nil {
		log.OldValues = json.RawMessage(row.OldValues)
	}
	if row.NewValues != nil {
		log.NewValues = json.RawMessage(row.NewValues)
	}
	if row.IPAddress.Valid {
		ip := row.IPAddress.String
		log.IPAddress = &ip
	}
	if row.UserAgent.Valid {
		ua := row.UserAgent.String
		log.UserAgent = &ua
	}
	return log
}

// documentArg passes a snapshot as text so the driver does not encode it as bytea
func documentArg(doc json.RawMessage) interface{} {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}

// Record validates and inserts a new entry, sets its ID and timestamps, and returns the ID.
// A failed validation issues no SQL. Database failures are returned as ConstraintViolation
// or StorageUnavailable; nothing is retried.
func (r *AuditRepository) Record(ctx context.Context, log *models.AuditLog) (int64, error) {
	if err := log.Validate(); err != nil {
		return 0, validationError(err)
	}

	now := r.now().UTC().Truncate(time.Microsecond)

	var recordID interface{}
	if log.RecordID != nil {
		recordID = int64(*log.RecordID)
	}

	query := `
		INSERT INTO audit_logs (user_id, event_type, table_name, record_id, old_values, new_values, ip_address, user_agent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		log.UserID,
		log.EventType,
		log.TableName,
		recordID,
		documentArg(log.OldValues),
		documentArg(log.NewValues),
		log.IPAddress,
		log.UserAgent,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return 0, classifyError(err)
	}

	log.ID = id
	log.CreatedAt = now
	log.UpdatedAt = now
	return id, nil
}

// FindOption adjusts ordering and size of a Find* sequence
type FindOption func(*findOptions)

type findOptions struct {
	byCreatedAt bool
	descending  bool
	limit       int
}

// OrderByCreatedAt orders by created_at (ties broken by id) instead of insertion order
func OrderByCreatedAt() FindOption {
	return func(o *findOptions) { o.byCreatedAt = true }
}

// Descending reverses the order
func Descending() FindOption {
	return func(o *findOptions) { o.descending = true }
}

// Limit caps the number of entries produced; n <= 0 means no cap
func Limit(n int) FindOption {
	return func(o *findOptions) { o.limit = n }
}

func (o findOptions) orderClause() string {
	dir := "ASC"
	if o.descending {
		dir = "DESC"
	}
	if o.byCreatedAt {
		return fmt.Sprintf(" ORDER BY created_at %s, id %s", dir, dir)
	}
	return " ORDER BY id " + dir
}

// FindByUser returns the audit trail of one actor (idx_audit_user)
func (r *AuditRepository) FindByUser(ctx context.Context, userID int64, opts ...FindOption) iter.Seq2[*models.AuditLog, error] {
	return r.find(ctx, "user_id = $1", []interface{}{userID}, opts)
}

// FindByRecord returns the history of one logical record (idx_audit_table).
// A nil recordID matches entries recorded without a record id.
func (r *AuditRepository) FindByRecord(ctx context.Context, tableName string, recordID *uint64, opts ...FindOption) iter.Seq2[*models.AuditLog, error] {
	if recordID == nil {
		return r.find(ctx, "table_name = $1 AND record_id IS NULL", []interface{}{tableName}, opts)
	}
	if int64(*recordID) < 0 {
		// Above the signed range, so it can never have been stored.
		return emptySeq
	}
	return r.find(ctx, "table_name = $1 AND record_id = $2", []interface{}{tableName, int64(*recordID)}, opts)
}

// FindByEventType returns all entries of one event type (idx_audit_event)
func (r *AuditRepository) FindByEventType(ctx context.Context, eventType string, opts ...FindOption) iter.Seq2[*models.AuditLog, error] {
	return r.find(ctx, "event_type = $1", []interface{}{eventType}, opts)
}

// FindInRange returns entries whose created_at lies in [from, to], both ends inclusive
// (idx_audit_created). An inverted range yields nothing.
func (r *AuditRepository) FindInRange(ctx context.Context, from, to time.Time, opts ...FindOption) iter.Seq2[*models.AuditLog, error] {
	from, to = lowerBound(from), upperBound(to)
	if from.After(to) {
		return emptySeq
	}
	return r.find(ctx, "created_at >= $1 AND created_at <= $2", []interface{}{from, to}, opts)
}

// created_at is stored at microsecond precision and PostgreSQL rounds finer
// parameters to the nearest microsecond, so bounds are snapped inwards first.

// lowerBound rounds up to the next whole microsecond.
func lowerBound(t time.Time) time.Time {
	t = t.UTC()
	if tr := t.Truncate(time.Microsecond); tr.Before(t) {
		return tr.Add(time.Microsecond)
	}
	return t
}

// upperBound truncates to the microsecond.
func upperBound(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func emptySeq(func(*models.AuditLog, error) bool) {}

// find builds the query once; every iteration of the returned sequence re-runs it,
// scanning rows only as the caller consumes them.
func (r *AuditRepository) find(ctx context.Context, where string, args []interface{}, opts []FindOption) iter.Seq2[*models.AuditLog, error] {
	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}

	query := "SELECT " + auditColumns + " FROM audit_logs WHERE " + where + o.orderClause()
	if o.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", o.limit)
	}

	return func(yield func(*models.AuditLog, error) bool) {
		rows, err := r.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(nil, classifyError(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row auditLogRow
			if err := rows.StructScan(&row); err != nil {
				yield(nil, fmt.Errorf("failed to scan audit log: %w", err))
				return
			}
			if !yield(row.toModel(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, classifyError(err))
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error
func Collect(seq iter.Seq2[*models.AuditLog, error]) ([]*models.AuditLog, error) {
	logs := make([]*models.AuditLog, 0)
	for log, err := range seq {
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	UserID    *int64
	EventType *string
	TableName *string
	RecordID  *uint64
	StartDate *time.Time
	EndDate   *time.Time
}

// where renders the filters as a WHERE clause with positional parameters
func (f AuditFilters) where() (string, []interface{}) {
	conds := []string{"1=1"}
	args := make([]interface{}, 0)

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.EventType != nil {
		add("event_type = $%d", *f.EventType)
	}
	if f.TableName != nil {
		add("table_name = $%d", *f.TableName)
	}
	if f.RecordID != nil {
		add("record_id = $%d", int64(*f.RecordID))
	}
	if f.StartDate != nil {
		add("created_at >= $%d", lowerBound(*f.StartDate))
	}
	if f.EndDate != nil {
		add("created_at <= $%d", upperBound(*f.EndDate))
	}

	return strings.Join(conds, " AND "), args
}

// ListAuditLogs retrieves audit logs with optional filters and pagination, newest first
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where, args := filters.where()

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs WHERE `+where, args...); err != nil {
		return nil, 0, classifyError(err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var rows []auditLogRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, classifyError(err)
	}

	logs := make([]*models.AuditLog, 0, len(rows))
	for i := range rows {
		logs = append(logs, rows[i].toModel())
	}
	return logs, total, nil
}

// GetAuditLog retrieves a single audit log entry by ID; it returns nil, nil when absent
func (r *AuditRepository) GetAuditLog(ctx context.Context, id int64) (*models.AuditLog, error) {
	var row auditLogRow
	err := r.db.GetContext(ctx, &row, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return row.toModel(), nil
}
