// retention.go implements RetentionJob, which periodically removes entries older than
// audit.retention.retention_days. When archive_before_purge is set, the expiring range is
// first exported to the archive storage backend and the purge only runs once the stored
// copy has been read back and verified, so nothing is deleted without a copy.
package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auditlogs/auditlogs/internal/config"
	"github.com/auditlogs/auditlogs/internal/storage"
	"github.com/auditlogs/auditlogs/internal/telemetry"
	"github.com/auditlogs/auditlogs/pkg/checksum"
)

// Purger deletes entries created at or before a cutoff
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionResult summarizes one retention pass
type RetentionResult struct {
	Cutoff      time.Time
	Archived    int
	ArchivePath string
	Purged      int64
}

// RetentionJob archives and purges expired audit entries on an interval
type RetentionJob struct {
	exporter *Exporter
	purger   Purger
	archive  storage.Storage
	cfg      *config.RetentionConfig
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRetentionJob creates a RetentionJob. archive may be nil only when
// archive_before_purge is off.
func NewRetentionJob(exporter *Exporter, purger Purger, archive storage.Storage, cfg *config.RetentionConfig) *RetentionJob {
	hours := cfg.IntervalHours
	if hours <= 0 {
		hours = 24
	}
	return &RetentionJob{
		exporter: exporter,
		purger:   purger,
		archive:  archive,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every interval until ctx is cancelled
// or Stop is called. It returns at once when retention is disabled.
func (j *RetentionJob) Start(ctx context.Context) {
	if !j.cfg.Enabled {
		slog.Info("retention job disabled (audit.retention.enabled=false)")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("retention job started", "interval", j.interval, "retention_days", j.cfg.RetentionDays)

	j.run(ctx)

	for {
		select {
		case <-ticker.C:
			j.run(ctx)
		case <-j.stopChan:
			slog.Info("retention job stopped")
			return
		case <-ctx.Done():
			slog.Info("retention job context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit. Safe to call more than once.
func (j *RetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *RetentionJob) run(ctx context.Context) {
	res, err := j.RunOnce(ctx)
	if err != nil {
		slog.Error("retention pass failed", "cutoff", res.Cutoff, "error", err)
		return
	}
	slog.Info("retention pass complete",
		"cutoff", res.Cutoff, "archived", res.Archived, "archive_path", res.ArchivePath, "purged", res.Purged)
}

// Cutoff returns the newest created_at that the next pass would purge
func (j *RetentionJob) Cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.cfg.RetentionDays)
}

// RunOnce performs a single archive-then-purge pass
func (j *RetentionJob) RunOnce(ctx context.Context) (RetentionResult, error) {
	res := RetentionResult{Cutoff: j.Cutoff()}
	if j.cfg.RetentionDays <= 0 {
		return res, fmt.Errorf("retention_days must be positive, got %d", j.cfg.RetentionDays)
	}

	if j.cfg.ArchiveBeforePurge {
		if j.archive == nil {
			return res, fmt.Errorf("archive_before_purge is set but no archive storage is configured")
		}
		n, path, err := j.archiveRange(ctx, res.Cutoff)
		if err != nil {
			return res, err
		}
		res.Archived = n
		res.ArchivePath = path
	}

	purged, err := j.purger.PurgeBefore(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to purge entries before %s: %w", res.Cutoff.Format(time.RFC3339), err)
	}
	res.Purged = purged
	telemetry.AuditPurgedEntriesTotal.Add(float64(purged))

	return res, nil
}

// archiveRange spools the export to a temporary file so the upload knows its size and
// nothing is uploaded for an empty range. The stored object is read back and compared
// with the spool digest; any mismatch fails the pass before the purge.
func (j *RetentionJob) archiveRange(ctx context.Context, cutoff time.Time) (int, string, error) {
	spool, err := os.CreateTemp("", "audit-archive-*.ndjson")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	cw := checksum.NewWriter(spool)
	n, err := j.exporter.Export(ctx, time.Unix(0, 0).UTC(), cutoff, cw)
	if err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", nil
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, "", fmt.Errorf("failed to rewind spool file: %w", err)
	}

	path := ArchivePath(j.cfg.ArchivePrefix, cutoff)
	digest := cw.Sum()
	res, err := j.archive.Upload(ctx, path, spool, cw.Written())
	if err != nil {
		return 0, "", fmt.Errorf("failed to upload archive %s: %w", path, err)
	}
	if res.Checksum != digest {
		return 0, "", fmt.Errorf("archive %s stored with checksum %s, want %s", path, res.Checksum, digest)
	}
	if err := j.verifyArchive(ctx, path, digest); err != nil {
		return 0, "", err
	}
	return n, path, nil
}

func (j *RetentionJob) verifyArchive(ctx context.Context, path, digest string) error {
	rc, err := j.archive.Download(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read back archive %s: %w", path, err)
	}
	defer rc.Close()

	ok, err := checksum.VerifySHA256(rc, digest)
	if err != nil {
		return fmt.Errorf("failed to read back archive %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("archive %s does not match the exported entries", path)
	}
	return nil
}

// ArchivePath names an archive object: <prefix>/<cutoff date>-<uuid>.ndjson
func ArchivePath(prefix string, cutoff time.Time) string {
	name := fmt.Sprintf("%s-%s.ndjson", cutoff.UTC().Format("2006-01-02"), uuid.NewString())
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
