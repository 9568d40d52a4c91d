// Package models - audit_log.go defines the AuditLog model: one immutable record of a single
// state-changing action, capturing the actor, the affected record, before/after snapshots,
// the client IP and the user agent.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Column size limits for the audit_logs table
const (
	MaxEventTypeLength = 100
	MaxTableNameLength = 100
	MaxIPAddressLength = 45
)

// Conventional event types. Any non-empty string up to MaxEventTypeLength is accepted.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventRestored = "restored"
)

// AuditLog represents an audit log entry for tracking state changes
type AuditLog struct {
	ID        int64           `json:"id"`
	UserID    *int64          `json:"user_id"`    // Nulled by the database when the actor is deleted
	EventType string          `json:"event_type"` // "created", "updated", "deleted"
	TableName string          `json:"table_name"` // Logical entity type affected
	RecordID  *uint64         `json:"record_id"`
	OldValues json.RawMessage `json:"old_values"` // Nil on creation events
	NewValues json.RawMessage `json:"new_values"` // Nil on deletion events
	IPAddress *string         `json:"ip_address"`
	UserAgent *string         `json:"user_agent"` // Untrusted, stored verbatim
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FieldError describes why a single field of an AuditLog is invalid.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks the entry against the column constraints of the audit_logs table.
// Snapshots are only checked for JSON syntax; their shape is never inspected.
func (l *AuditLog) Validate() error {
	if err := requiredString("event_type", l.EventType, MaxEventTypeLength); err != nil {
		return err
	}
	if err := requiredString("table_name", l.TableName, MaxTableNameLength); err != nil {
		return err
	}
	if l.RecordID != nil && *l.RecordID > math.MaxInt64 {
		return &FieldError{Field: "record_id", Reason: fmt.Sprintf("must not exceed %d", int64(math.MaxInt64))}
	}
	if l.IPAddress != nil && utf8.RuneCountInString(*l.IPAddress) > MaxIPAddressLength {
		return &FieldError{Field: "ip_address", Reason: fmt.Sprintf("must be at most %d characters", MaxIPAddressLength)}
	}
	if len(l.OldValues) > 0 && !json.Valid(l.OldValues) {
		return &FieldError{Field: "old_values", Reason: "must be a JSON document"}
	}
	if len(l.NewValues) > 0 && !json.Valid(l.NewValues) {
		return &FieldError{Field: "new_values", Reason: "must be a JSON document"}
	}
	return nil
}

func requiredString(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field, Reason: "is required"}
	}
	if utf8.RuneCountInString(value) > max {
		return &FieldError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}
