// Package jobs contains the background and administrative jobs that operate on recorded
// audit entries as a whole: NDJSON export of a time range and the retention purge.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/auditlogs/auditlogs/internal/db/models"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
	"github.com/auditlogs/auditlogs/internal/telemetry"
)

// RangeSource is the read side the exporter consumes
type RangeSource interface {
	FindInRange(ctx context.Context, from, to time.Time, opts ...repositories.FindOption) iter.Seq2[*models.AuditLog, error]
}

// Exporter streams a created_at range as newline-delimited JSON, one entry per line
type Exporter struct {
	source RangeSource
}

// NewExporter creates an Exporter reading from source
func NewExporter(source RangeSource) *Exporter {
	return &Exporter{source: source}
}

// Export writes every entry with from <= created_at <= to to w in (created_at, id)
// order and returns how many were written. Entries already written stay written if a
// later row fails.
func (e *Exporter) Export(ctx context.Context, from, to time.Time, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	n := 0
	defer func() { telemetry.AuditExportedEntriesTotal.Add(float64(n)) }()

	for entry, err := range e.source.FindInRange(ctx, from, to, repositories.OrderByCreatedAt()) {
		if err != nil {
			return n, fmt.Errorf("export failed after %d entries: %w", n, err)
		}
		if err := enc.Encode(entry); err != nil {
			return n, fmt.Errorf("failed to write entry %d: %w", entry.ID, err)
		}
		n++
	}
	return n, nil
}
