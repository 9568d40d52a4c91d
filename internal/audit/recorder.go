package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/auditlogs/auditlogs/internal/db/models"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
	"github.com/auditlogs/auditlogs/internal/safego"
	"github.com/auditlogs/auditlogs/internal/telemetry"
)

// shipTimeout bounds a single asynchronous fan-out to the shippers
const shipTimeout = 10 * time.Second

// Store is the write side of the audit log store
type Store interface {
	Record(ctx context.Context, entry *models.AuditLog) (int64, error)
}

type requestIDKey struct{}

// WithRequestID attaches the request ID that shipped entries are tagged with
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Recorder writes entries to the store and, once the write has succeeded,
// forwards a copy to the configured shippers in the background.
type Recorder struct {
	store   Store
	shipper Shipper
	wg      sync.WaitGroup
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// Record stores the entry and returns its ID. The result depends only on the
// store; shipping happens afterwards and its failures are only logged.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) (int64, error) {
	start := time.Now()
	id, err := r.store.Record(ctx, entry)
	telemetry.AuditRecordDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := FailureReason(err)
		telemetry.AuditRecordFailuresTotal.WithLabelValues(reason).Inc()
		if reason != "validation" {
			slog.Error("failed to record audit log", "event_type", entry.EventType, "table_name", entry.TableName, "reason", reason, "error", err)
		}
		return 0, err
	}
	telemetry.AuditRecordsTotal.WithLabelValues(eventTypeLabel(entry.EventType)).Inc()

	if r.shipper != nil {
		shipped := NewLogEntry(entry, requestIDFrom(ctx))
		r.wg.Add(1)
		safego.Go("audit-ship", func() {
			defer r.wg.Done()
			shipCtx, cancel := context.WithTimeout(context.Background(), shipTimeout)
			defer cancel()
			if err := r.shipper.Ship(shipCtx, shipped); err != nil {
				slog.Warn("failed to ship audit log", "id", shipped.ID, "error", err)
			}
		})
	}

	return id, nil
}

// Close waits for in-flight shipments and closes the shipper
func (r *Recorder) Close() error {
	r.wg.Wait()
	if r.shipper == nil {
		return nil
	}
	return r.shipper.Close()
}

// eventTypeLabel keeps the metric's label set fixed: client-chosen event types all
// count under "other".
func eventTypeLabel(eventType string) string {
	switch eventType {
	case models.EventCreated, models.EventUpdated, models.EventDeleted, models.EventRestored:
		return eventType
	}
	return "other"
}

// FailureReason classifies a Record error for metrics and HTTP status mapping:
// "validation", "constraint", "unavailable", "canceled" or "other".
func FailureReason(err error) string {
	switch {
	case errors.Is(err, repositories.ErrValidation):
		return "validation"
	case errors.Is(err, repositories.ErrConstraint):
		return "constraint"
	case errors.Is(err, repositories.ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
