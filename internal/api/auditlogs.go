// auditlogs.go implements the audit log endpoints: ingestion, paginated listing, the
// per-actor, per-record and per-event trails, NDJSON export of a time range and summary stats.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/auditlogs/auditlogs/internal/audit"
	"github.com/auditlogs/auditlogs/internal/config"
	"github.com/auditlogs/auditlogs/internal/db/models"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
	"github.com/auditlogs/auditlogs/internal/jobs"
	"github.com/auditlogs/auditlogs/internal/middleware"
)

const (
	defaultPerPage  = 20
	fallbackMaxPage = 100
)

// AuditLogHandlers handles audit log endpoints
type AuditLogHandlers struct {
	cfg       *config.Config
	auditRepo *repositories.AuditRepository
	recorder  *audit.Recorder
	exporter  *jobs.Exporter
	stats     *repositories.RetentionRepository
}

// NewAuditLogHandlers creates a new AuditLogHandlers instance
func NewAuditLogHandlers(cfg *config.Config, auditRepo *repositories.AuditRepository, recorder *audit.Recorder, exporter *jobs.Exporter, stats *repositories.RetentionRepository) *AuditLogHandlers {
	return &AuditLogHandlers{
		cfg:       cfg,
		auditRepo: auditRepo,
		recorder:  recorder,
		exporter:  exporter,
		stats:     stats,
	}
}

func (h *AuditLogHandlers) maxPageSize() int {
	if h.cfg.Server.MaxPageSize > 0 {
		return h.cfg.Server.MaxPageSize
	}
	return fallbackMaxPage
}

// RecordRequest is the ingest body. ip_address and user_agent default to the
// values of the request that carries the entry.
type RecordRequest struct {
	UserID    *int64          `json:"user_id"`
	EventType string          `json:"event_type"`
	TableName string          `json:"table_name"`
	RecordID  *uint64         `json:"record_id"`
	OldValues json.RawMessage `json:"old_values"`
	NewValues json.RawMessage `json:"new_values"`
	IPAddress *string         `json:"ip_address"`
	UserAgent *string         `json:"user_agent"`
}

// snapshot treats an explicit JSON null as an absent snapshot
func snapshot(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// toEntry builds the entry to record, filling the actor from the bearer token when
// the body names none and the client details from the request itself.
func (req *RecordRequest) toEntry(c *gin.Context) *models.AuditLog {
	entry := &models.AuditLog{
		UserID:    req.UserID,
		EventType: req.EventType,
		TableName: req.TableName,
		RecordID:  req.RecordID,
		OldValues: snapshot(req.OldValues),
		NewValues: snapshot(req.NewValues),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if entry.UserID == nil {
		if id, ok := middleware.ActorID(c); ok {
			entry.UserID = &id
		}
	}
	if entry.IPAddress == nil {
		if ip := c.ClientIP(); ip != "" {
			entry.IPAddress = &ip
		}
	}
	if entry.UserAgent == nil {
		if ua := c.Request.UserAgent(); ua != "" {
			entry.UserAgent = &ua
		}
	}
	return entry
}

// RecordHandler stores a new audit log entry
// POST /api/v1/audit-logs
func (h *AuditLogHandlers) RecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body: " + err.Error(),
			})
			return
		}

		entry := req.toEntry(c)
		id, err := h.recorder.Record(c.Request.Context(), entry)
		if err != nil {
			status, msg := recordErrorStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":         id,
			"created_at": entry.CreatedAt,
		})
	}
}

// recordErrorStatus maps a Record failure onto an HTTP status and client-facing message.
// Only validation errors echo their detail back; the others may carry driver text.
func recordErrorStatus(err error) (int, string) {
	switch audit.FailureReason(err) {
	case "validation":
		return http.StatusBadRequest, err.Error()
	case "constraint":
		return http.StatusConflict, "Audit log violates a database constraint"
	case "unavailable":
		return http.StatusServiceUnavailable, "Audit log storage is unavailable"
	case "canceled":
		return http.StatusGatewayTimeout, "Request cancelled before the audit log was stored"
	default:
		return http.StatusInternalServerError, "Failed to record audit log"
	}
}

// readErrorStatus maps a read failure onto an HTTP status, logging anything unexpected
func readErrorStatus(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch audit.FailureReason(err) {
	case "unavailable":
		status = http.StatusServiceUnavailable
	case "canceled":
		status = http.StatusGatewayTimeout
	default:
		slog.Error(msg, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

// ListHandler lists audit log entries with filters and pagination, newest first
// GET /api/v1/audit-logs?user_id=&event_type=&table_name=&record_id=&from=&to=&page=1&per_page=20
func (h *AuditLogHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))

		if page < 1 {
			page = 1
		}
		if perPage < 1 {
			perPage = defaultPerPage
		}
		if limit := h.maxPageSize(); perPage > limit {
			perPage = limit
		}
		// keeps (page-1)*perPage from overflowing
		if page > math.MaxInt/perPage {
			page = math.MaxInt / perPage
		}

		filters, err := parseFilters(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		offset := (page - 1) * perPage
		logs, total, err := h.auditRepo.ListAuditLogs(c.Request.Context(), filters, perPage, offset)
		if err != nil {
			readErrorStatus(c, err, "Failed to list audit logs")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"audit_logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

func parseFilters(c *gin.Context) (repositories.AuditFilters, error) {
	var f repositories.AuditFilters

	if v := c.Query("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid user_id: %q", v)
		}
		f.UserID = &id
	}
	if v := c.Query("event_type"); v != "" {
		f.EventType = &v
	}
	if v := c.Query("table_name"); v != "" {
		f.TableName = &v
	}
	if v := c.Query("record_id"); v != "" {
		id, err := parseRecordID(v)
		if err != nil {
			return f, err
		}
		f.RecordID = &id
	}
	from, to, err := parseRange(c, false)
	if err != nil {
		return f, err
	}
	f.StartDate, f.EndDate = from, to
	return f, nil
}

func parseRecordID(v string) (uint64, error) {
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record_id: %q", v)
	}
	return id, nil
}

// parseRange reads the RFC 3339 from/to query parameters
func parseRange(c *gin.Context, required bool) (*time.Time, *time.Time, error) {
	parse := func(name string) (*time.Time, error) {
		v := c.Query(name)
		if v == "" {
			if required {
				return nil, fmt.Errorf("%s is required", name)
			}
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: expected RFC 3339 timestamp", name)
		}
		return &t, nil
	}

	from, err := parse("from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("to")
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && from.After(*to) {
		return nil, nil, fmt.Errorf("from must not be after to")
	}
	return from, to, nil
}

// GetHandler returns a single entry
// GET /api/v1/audit-logs/:id
func (h *AuditLogHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid audit log ID"})
			return
		}

		entry, err := h.auditRepo.GetAuditLog(c.Request.Context(), id)
		if err != nil {
			readErrorStatus(c, err, "Failed to retrieve audit log")
			return
		}
		if entry == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
			return
		}

		c.JSON(http.StatusOK, entry)
	}
}

// trailOptions reads ?limit= and ?order=asc|desc for the trail endpoints. Trails are in
// insertion order unless order=desc; limit defaults to and is capped at the max page size.
func (h *AuditLogHandlers) trailOptions(c *gin.Context) ([]repositories.FindOption, error) {
	limit := h.maxPageSize()
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid limit: %q", v)
		}
		if n < limit {
			limit = n
		}
	}

	opts := []repositories.FindOption{repositories.Limit(limit)}
	switch c.DefaultQuery("order", "asc") {
	case "asc":
	case "desc":
		opts = append(opts, repositories.Descending())
	default:
		return nil, fmt.Errorf("invalid order: must be 'asc' or 'desc'")
	}
	return opts, nil
}

func (h *AuditLogHandlers) respondTrail(c *gin.Context, seq iter.Seq2[*models.AuditLog, error]) {
	logs, err := repositories.Collect(seq)
	if err != nil {
		readErrorStatus(c, err, "Failed to retrieve audit trail")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audit_logs": logs,
		"count":      len(logs),
	})
}

// UserTrailHandler returns the entries credited to one actor
// GET /api/v1/users/:id/audit-logs
func (h *AuditLogHandlers) UserTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
			return
		}
		opts, err := h.trailOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondTrail(c, h.auditRepo.FindByUser(c.Request.Context(), userID, opts...))
	}
}

// RecordTrailHandler returns the history of one logical record
// GET /api/v1/records/:table/:record_id/audit-logs
func (h *AuditLogHandlers) RecordTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		recordID, err := parseRecordID(c.Param("record_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts, err := h.trailOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondTrail(c, h.auditRepo.FindByRecord(c.Request.Context(), c.Param("table"), &recordID, opts...))
	}
}

// EventTrailHandler returns every entry of one event type
// GET /api/v1/events/:event_type/audit-logs
func (h *AuditLogHandlers) EventTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, err := h.trailOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondTrail(c, h.auditRepo.FindByEventType(c.Request.Context(), c.Param("event_type"), opts...))
	}
}

// ndjsonWriter defers the 200 and its headers until the first entry is written, so a
// failure before any output can still be reported with a JSON error status.
type ndjsonWriter struct {
	c        *gin.Context
	filename string
	started  bool
}

func (w *ndjsonWriter) start() {
	if w.started {
		return
	}
	w.started = true
	w.c.Header("Content-Type", "application/x-ndjson")
	w.c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", w.filename))
	w.c.Status(http.StatusOK)
	w.c.Writer.WriteHeaderNow()
}

func (w *ndjsonWriter) Write(p []byte) (int, error) {
	w.start()
	return w.c.Writer.Write(p)
}

// ExportHandler streams every entry created in [from, to] as newline-delimited JSON
// GET /api/v1/audit-logs/export?from=&to=
func (h *AuditLogHandlers) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, err := parseRange(c, true)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		w := &ndjsonWriter{
			c:        c,
			filename: fmt.Sprintf("audit-logs-%s-%s.ndjson", from.UTC().Format("20060102T150405Z"), to.UTC().Format("20060102T150405Z")),
		}
		n, err := h.exporter.Export(c.Request.Context(), *from, *to, w)
		if err != nil {
			if !w.started {
				readErrorStatus(c, err, "Failed to export audit logs")
				return
			}
			// Headers are already sent; the client sees a truncated stream.
			slog.Error("audit log export interrupted", "written", n, "error", err)
			return
		}
		w.start()
		slog.Debug("audit log export complete", "from", from, "to", to, "entries", n)
	}
}

// StatsHandler summarises the table: entry counts per event type and the oldest entry
// GET /api/v1/audit-logs/stats
func (h *AuditLogHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := h.stats.CountByEventType(c.Request.Context())
		if err != nil {
			readErrorStatus(c, err, "Failed to count audit logs")
			return
		}
		oldest, err := h.stats.OldestEntry(c.Request.Context())
		if err != nil {
			readErrorStatus(c, err, "Failed to find oldest audit log")
			return
		}

		byEvent := make(map[string]int64, len(counts))
		var total int64
		for _, ec := range counts {
			byEvent[ec.EventType] = ec.Count
			total += ec.Count
		}

		c.JSON(http.StatusOK, gin.H{
			"total":         total,
			"by_event_type": byEvent,
			"oldest":        oldest,
		})
	}
}
