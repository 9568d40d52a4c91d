package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/auditlogs/auditlogs/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "user_id", "event_type", "table_name", "record_id",
	"old_values", "new_values", "ip_address", "user_agent", "created_at", "updated_at",
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := NewAuditRepository(sqlx.NewDb(db, "sqlmock")).WithClock(func() time.Time { return fixedNow })
	return repo, mock
}

func strPtr(s string) *string    { return &s }
func int64Ptr(i int64) *int64    { return &i }
func uint64Ptr(u uint64) *uint64 { return &u }

func idRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"}).AddRow(id)
}

func auditRow(rows *sqlmock.Rows, id int64, userID interface{}, eventType, table string, recordID interface{}, oldValues, newValues interface{}, ts time.Time) *sqlmock.Rows {
	return rows.AddRow(id, userID, eventType, table, recordID, oldValues, newValues, "10.0.0.1", "curl/8.0", ts, ts)
}

func selectWhere(where string) string {
	return regexp.QuoteMeta("FROM audit_logs WHERE " + where)
}

func sampleEntry() *models.AuditLog {
	return &models.AuditLog{
		UserID:    int64Ptr(7),
		EventType: models.EventUpdated,
		TableName: "posts",
		RecordID:  uint64Ptr(42),
		OldValues: json.RawMessage(`{"status":"draft"}`),
		NewValues: json.RawMessage(`{"status":"published"}`),
		IPAddress: strPtr("203.0.113.9"),
		UserAgent: strPtr("Mozilla/5.0"),
	}
}

// ---------------------------------------------------------------------------
// Record
// ---------------------------------------------------------------------------

func TestRecord_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	want := fixedNow.Truncate(time.Microsecond)
	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(int64(7), "updated", "posts", int64(42), `{"status":"draft"}`, `{"status":"published"}`,
			"203.0.113.9", "Mozilla/5.0", want, want).
		WillReturnRows(idRow(11))

	entry := sampleEntry()
	id, err := repo.Record(context.Background(), entry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 11 || entry.ID != 11 {
		t.Errorf("id = %d, entry.ID = %d, want 11", id, entry.ID)
	}
	if !entry.CreatedAt.Equal(want) || !entry.UpdatedAt.Equal(want) {
		t.Errorf("timestamps = %v/%v, want %v", entry.CreatedAt, entry.UpdatedAt, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord_NullableFieldsSentAsNull(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(nil, "created", "posts", nil, nil, `{"title":"x"}`, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(idRow(1))

	entry := &models.AuditLog{
		EventType: models.EventCreated,
		TableName: "posts",
		NewValues: json.RawMessage(`{"title":"x"}`),
	}
	if _, err := repo.Record(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord_EventTypeTooLong_NoWrite(t *testing.T) {
	repo, mock := newAuditRepo(t)

	entry := sampleEntry()
	entry.EventType = strings.Repeat("e", models.MaxEventTypeLength+1)

	_, err := repo.Record(context.Background(), entry)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "event_type" {
		t.Errorf("err = %#v, want ValidationError on event_type", err)
	}
	if entry.ID != 0 {
		t.Errorf("entry.ID = %d, want 0", entry.ID)
	}
	// No expectations were set: any SQL would have failed the call instead.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*models.AuditLog)
		field string
	}{
		{"missing event type", func(l *models.AuditLog) { l.EventType = "" }, "event_type"},
		{"blank table name", func(l *models.AuditLog) { l.TableName = "   " }, "table_name"},
		{"table name too long", func(l *models.AuditLog) { l.TableName = strings.Repeat("t", 101) }, "table_name"},
		{"ip too long", func(l *models.AuditLog) { l.IPAddress = strPtr(strings.Repeat("1", 46)) }, "ip_address"},
		{"record id out of range", func(l *models.AuditLog) { l.RecordID = uint64Ptr(math.MaxUint64) }, "record_id"},
		{"old values not json", func(l *models.AuditLog) { l.OldValues = json.RawMessage(`{status:`) }, "old_values"},
		{"new values not json", func(l *models.AuditLog) { l.NewValues = json.RawMessage(`nope`) }, "new_values"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newAuditRepo(t)
			entry := sampleEntry()
			tt.mod(entry)
			_, err := repo.Record(context.Background(), entry)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRecord_MultibyteWithinLimit(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnRows(idRow(3))

	entry := sampleEntry()
	entry.EventType = strings.Repeat("é", models.MaxEventTypeLength) // 100 characters, 200 bytes
	if _, err := repo.Record(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecord_ForeignKeyViolation(t *testing.T) {
	repo, mock := newAuditRepo(t)
	pqErr := &pq.Error{Code: "23503", Constraint: "audit_logs_user_id_fkey"}
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(pqErr)

	_, err := repo.Record(context.Background(), sampleEntry())
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("err = %v, want ErrConstraint", err)
	}
	var cv *ConstraintViolation
	if !errors.As(err, &cv) || cv.Constraint != "audit_logs_user_id_fkey" {
		t.Errorf("err = %#v, want ConstraintViolation naming the fk", err)
	}
	var got *pq.Error
	if !errors.As(err, &got) {
		t.Error("driver error should remain reachable with errors.As")
	}
}

func TestRecord_StorageUnavailable(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(&pq.Error{Code: "08006"})

	_, err := repo.Record(context.Background(), sampleEntry())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestRecord_OtherDBErrorPassesThrough(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errDB)

	_, err := repo.Record(context.Background(), sampleEntry())
	if !errors.Is(err, errDB) {
		t.Fatalf("err = %v, want errDB", err)
	}
}

func TestRecord_ConcurrentWritesGetUniqueIDs(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.MatchExpectationsInOrder(false)

	const n = 20
	for i := 1; i <= n; i++ {
		mock.ExpectQuery("INSERT INTO audit_logs").WillReturnRows(idRow(int64(i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = make(map[int64]bool)
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := repo.Record(context.Background(), sampleEntry())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[id] = true
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(ids) != n {
		t.Errorf("distinct ids = %d, want %d", len(ids), n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// FindByRecord
// ---------------------------------------------------------------------------

func TestFindByRecord_ReturnsHistoryInInsertionOrder(t *testing.T) {
	repo, mock := newAuditRepo(t)
	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 1, int64(7), "created", "posts", int64(42), nil, []byte(`{"status":"draft"}`), fixedNow)
	auditRow(rows, 2, int64(7), "updated", "posts", int64(42), []byte(`{"status":"draft"}`), []byte(`{"status":"published"}`), fixedNow)

	mock.ExpectQuery(selectWhere("table_name = $1 AND record_id = $2 ORDER BY id ASC")).
		WithArgs("posts", int64(42)).
		WillReturnRows(rows)

	logs, err := Collect(repo.FindByRecord(context.Background(), "posts", uint64Ptr(42)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	for i, l := range logs {
		if l.TableName != "posts" || l.RecordID == nil || *l.RecordID != 42 {
			t.Errorf("logs[%d] = %s/%v, want posts/42", i, l.TableName, l.RecordID)
		}
	}
	if logs[0].ID != 1 || logs[1].ID != 2 {
		t.Errorf("ids = %d,%d, want 1,2", logs[0].ID, logs[1].ID)
	}
	if logs[0].OldValues != nil {
		t.Errorf("OldValues = %s, want nil on a creation entry", logs[0].OldValues)
	}
}

func TestFindByRecord_SnapshotsRoundTripVerbatim(t *testing.T) {
	repo, mock := newAuditRepo(t)
	oldDoc := `{"status":"draft"}`
	newDoc := `{"status":"published"}`

	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), oldDoc, newDoc,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(idRow(5))

	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 5, int64(7), "updated", "posts", int64(42), []byte(oldDoc), []byte(newDoc), fixedNow)
	mock.ExpectQuery(selectWhere("table_name = $1 AND record_id = $2")).WillReturnRows(rows)

	if _, err := repo.Record(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	logs, err := Collect(repo.FindByRecord(context.Background(), "posts", uint64Ptr(42)))
	if err != nil {
		t.Fatalf("FindByRecord: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if string(logs[0].OldValues) != oldDoc || string(logs[0].NewValues) != newDoc {
		t.Errorf("snapshots = %s / %s, want %s / %s", logs[0].OldValues, logs[0].NewValues, oldDoc, newDoc)
	}
}

func TestFindByRecord_NilRecordID(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(selectWhere("table_name = $1 AND record_id IS NULL")).
		WithArgs("settings").
		WillReturnRows(sqlmock.NewRows(auditCols))

	logs, err := Collect(repo.FindByRecord(context.Background(), "settings", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("len(logs) = %d, want 0", len(logs))
	}
}

func TestFindByRecord_OutOfRangeRecordIDIssuesNoQuery(t *testing.T) {
	repo, mock := newAuditRepo(t)
	logs, err := Collect(repo.FindByRecord(context.Background(), "posts", uint64Ptr(math.MaxUint64)))
	if err != nil || len(logs) != 0 {
		t.Errorf("got %d logs, err %v; want empty", len(logs), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindByRecord_RestartableAndLazy(t *testing.T) {
	repo, mock := newAuditRepo(t)
	for i := 0; i < 2; i++ {
		rows := sqlmock.NewRows(auditCols)
		auditRow(rows, 1, nil, "created", "posts", int64(1), nil, nil, fixedNow)
		auditRow(rows, 2, nil, "updated", "posts", int64(1), nil, nil, fixedNow)
		mock.ExpectQuery(selectWhere("table_name = $1")).WillReturnRows(rows).RowsWillBeClosed()
	}

	seq := repo.FindByRecord(context.Background(), "posts", uint64Ptr(1))

	// First pass stops after one entry; the rows must still be closed.
	for l, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if l.ID != 1 {
			t.Errorf("first ID = %d, want 1", l.ID)
		}
		break
	}

	all, err := Collect(seq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("second pass len = %d, want 2", len(all))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// FindByUser / actor deletion
// ---------------------------------------------------------------------------

func TestFindByUser_Options(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(selectWhere("user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 5")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(auditCols))

	_, err := Collect(repo.FindByUser(context.Background(), 7, OrderByCreatedAt(), Descending(), Limit(5)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindByUser_QueryError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(selectWhere("user_id = $1")).WillReturnError(errDB)

	_, err := Collect(repo.FindByUser(context.Background(), 7))
	if !errors.Is(err, errDB) {
		t.Errorf("err = %v, want errDB", err)
	}
}

func TestFindByUser_RowError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 1, int64(7), "created", "posts", int64(1), nil, nil, fixedNow)
	auditRow(rows, 2, int64(7), "updated", "posts", int64(1), nil, nil, fixedNow)
	rows.RowError(1, &pq.Error{Code: "57P01"})
	mock.ExpectQuery(selectWhere("user_id = $1")).WillReturnRows(rows)

	var got []*models.AuditLog
	var lastErr error
	for l, err := range repo.FindByUser(context.Background(), 7) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, l)
	}
	if len(got) != 1 {
		t.Errorf("entries before error = %d, want 1", len(got))
	}
	if !errors.Is(lastErr, ErrStorageUnavailable) {
		t.Errorf("err = %v, want ErrStorageUnavailable", lastErr)
	}
}

// The rows below are what the database returns once ON DELETE SET NULL has run;
// sqlmock cannot enforce the constraint, which TestAuditLogs_UserIDIsSeveredNotCascaded
// checks on the rendered DDL. This covers the repository reading those rows back.
func TestFindAfterUserDelete_ReadsNullUserID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	users := NewUserRepository(db)
	audits := NewAuditRepository(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectWhere("user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(auditCols))
	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 1, nil, "created", "posts", int64(42), nil, []byte(`{}`), fixedNow)
	auditRow(rows, 2, nil, "updated", "posts", int64(42), []byte(`{}`), []byte(`{"a":1}`), fixedNow)
	mock.ExpectQuery(selectWhere("table_name = $1 AND record_id = $2")).WillReturnRows(rows)

	deleted, err := users.DeleteUser(context.Background(), 7)
	if err != nil || !deleted {
		t.Fatalf("DeleteUser = %v, %v; want true, nil", deleted, err)
	}

	byUser, err := Collect(audits.FindByUser(context.Background(), 7))
	if err != nil {
		t.Fatalf("FindByUser: %v", err)
	}
	if len(byUser) != 0 {
		t.Errorf("FindByUser after delete = %d entries, want 0", len(byUser))
	}

	byRecord, err := Collect(audits.FindByRecord(context.Background(), "posts", uint64Ptr(42)))
	if err != nil {
		t.Fatalf("FindByRecord: %v", err)
	}
	if len(byRecord) != 2 {
		t.Fatalf("FindByRecord after delete = %d entries, want 2", len(byRecord))
	}
	for _, l := range byRecord {
		if l.UserID != nil {
			t.Errorf("entry %d UserID = %d, want nil", l.ID, *l.UserID)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// FindByEventType / FindInRange
// ---------------------------------------------------------------------------

func TestFindByEventType(t *testing.T) {
	repo, mock := newAuditRepo(t)
	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 4, int64(1), "deleted", "comments", int64(9), []byte(`{"body":"hi"}`), nil, fixedNow)
	mock.ExpectQuery(selectWhere("event_type = $1 ORDER BY id ASC")).
		WithArgs("deleted").
		WillReturnRows(rows)

	logs, err := Collect(repo.FindByEventType(context.Background(), "deleted"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 || logs[0].EventType != "deleted" || logs[0].NewValues != nil {
		t.Errorf("logs = %+v, want one deleted entry without new values", logs)
	}
	if logs[0].IPAddress == nil || *logs[0].IPAddress != "10.0.0.1" {
		t.Errorf("IPAddress = %v, want 10.0.0.1", logs[0].IPAddress)
	}
}

func TestFindInRange_InclusiveBounds(t *testing.T) {
	repo, mock := newAuditRepo(t)
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)

	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 1, nil, "created", "posts", int64(1), nil, nil, t1)
	auditRow(rows, 2, nil, "updated", "posts", int64(1), nil, nil, t2)
	mock.ExpectQuery(selectWhere("created_at >= $1 AND created_at <= $2")).
		WithArgs(t1, t2).
		WillReturnRows(rows)

	logs, err := Collect(repo.FindInRange(context.Background(), t1, t2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if !logs[0].CreatedAt.Equal(t1) || !logs[1].CreatedAt.Equal(t2) {
		t.Errorf("created_at = %v, %v; want the bounds", logs[0].CreatedAt, logs[1].CreatedAt)
	}
}

func TestFindInRange_InvertedRangeIsEmpty(t *testing.T) {
	repo, mock := newAuditRepo(t)
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	logs, err := Collect(repo.FindInRange(context.Background(), from, from.Add(-time.Second)))
	if err != nil || len(logs) != 0 {
		t.Errorf("got %d logs, err %v; want empty", len(logs), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindInRange_SnapsBoundsToMicroseconds(t *testing.T) {
	repo, mock := newAuditRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(selectWhere("created_at >= $1 AND created_at <= $2")).
		WithArgs(base.Add(time.Microsecond), base.Add(2*time.Microsecond)).
		WillReturnRows(sqlmock.NewRows(auditCols))

	from := base.Add(500 * time.Nanosecond)
	to := base.Add(2*time.Microsecond + 999*time.Nanosecond)
	if _, err := Collect(repo.FindInRange(context.Background(), from, to)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindInRange_SubMicrosecondRangeIsEmpty(t *testing.T) {
	repo, mock := newAuditRepo(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC)

	logs, err := Collect(repo.FindInRange(context.Background(), at, at.Add(100*time.Nanosecond)))
	if err != nil || len(logs) != 0 {
		t.Errorf("got %d logs, err %v; want empty", len(logs), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBounds(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		in        time.Time
		wantLower time.Time
		wantUpper time.Time
	}{
		{"whole microsecond", base.Add(3 * time.Microsecond), base.Add(3 * time.Microsecond), base.Add(3 * time.Microsecond)},
		{"one nanosecond past", base.Add(time.Nanosecond), base.Add(time.Microsecond), base},
		{"just below next microsecond", base.Add(999 * time.Nanosecond), base.Add(time.Microsecond), base},
		{"non-UTC input", base.Add(1500 * time.Nanosecond).In(time.FixedZone("X", 3600)), base.Add(2 * time.Microsecond), base.Add(time.Microsecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lowerBound(tt.in); !got.Equal(tt.wantLower) || got.Location() != time.UTC {
				t.Errorf("lowerBound(%v) = %v, want %v UTC", tt.in, got, tt.wantLower)
			}
			if got := upperBound(tt.in); !got.Equal(tt.wantUpper) || got.Location() != time.UTC {
				t.Errorf("upperBound(%v) = %v, want %v UTC", tt.in, got, tt.wantUpper)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogs / GetAuditLog
// ---------------------------------------------------------------------------

func TestListAuditLogs_NoFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs WHERE 1=1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 1, int64(7), "created", "posts", int64(1), nil, []byte(`{}`), fixedNow)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2")).
		WithArgs(10, 0).
		WillReturnRows(rows)

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if len(logs) != 1 {
		t.Errorf("len(logs) = %d, want 1", len(logs))
	}
}

func TestListAuditLogs_WithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	eventType := "updated"
	table := "posts"

	filters := AuditFilters{
		UserID:    int64Ptr(7),
		EventType: &eventType,
		TableName: &table,
		RecordID:  uint64Ptr(42),
		StartDate: &start,
		EndDate:   &end,
	}

	where := "1=1 AND user_id = $1 AND event_type = $2 AND table_name = $3 AND record_id = $4 AND created_at >= $5 AND created_at <= $6"
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs WHERE " + where)).
		WithArgs(int64(7), "updated", "posts", int64(42), start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(where + " ORDER BY created_at DESC, id DESC LIMIT $7 OFFSET $8")).
		WithArgs(int64(7), "updated", "posts", int64(42), start, end, 20, 40).
		WillReturnRows(sqlmock.NewRows(auditCols))

	logs, total, err := repo.ListAuditLogs(context.Background(), filters, 20, 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || len(logs) != 0 {
		t.Errorf("got %d/%d, want empty", len(logs), total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListAuditLogs_DateFiltersSnapToMicroseconds(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 250, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 1750, time.UTC)

	wantStart := time.Date(2024, 1, 1, 0, 0, 0, 1000, time.UTC)
	wantEnd := time.Date(2024, 1, 2, 0, 0, 0, 1000, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs WHERE 1=1 AND created_at >= $1 AND created_at <= $2")).
		WithArgs(wantStart, wantEnd).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $3 OFFSET $4")).
		WithArgs(wantStart, wantEnd, 10, 0).
		WillReturnRows(sqlmock.NewRows(auditCols))

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{StartDate: &start, EndDate: &end}, 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestGetAuditLog_Found(t *testing.T) {
	repo, mock := newAuditRepo(t)
	rows := sqlmock.NewRows(auditCols)
	auditRow(rows, 9, int64(7), "restored", "posts", nil, nil, []byte(`{"a":1}`), fixedNow)
	mock.ExpectQuery(selectWhere("id = $1")).WithArgs(int64(9)).WillReturnRows(rows)

	l, err := repo.GetAuditLog(context.Background(), 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l == nil || l.ID != 9 || l.RecordID != nil || l.UserAgent == nil {
		t.Errorf("GetAuditLog = %+v", l)
	}
}

func TestGetAuditLog_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(selectWhere("id = $1")).WillReturnRows(sqlmock.NewRows(auditCols))

	l, err := repo.GetAuditLog(context.Background(), 404)
	if err != nil || l != nil {
		t.Errorf("GetAuditLog = %v, %v; want nil, nil", l, err)
	}
}
