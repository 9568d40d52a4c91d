// Package main is a diagnostic tool for the audit log database. It connects with the
// server's configuration, prints the migration state and a summary of audit_logs, and
// exits non-zero on any failure so it can gate deployments in CI/CD pipelines.
//
// With -fix-dirty it also clears the dirty flag golang-migrate leaves behind when a
// migration is interrupted, so the next server start can retry it instead of refusing
// to boot with "Dirty database version".
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/auditlogs/auditlogs/internal/config"
	"github.com/auditlogs/auditlogs/internal/db"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
)

func main() {
	fixDirty := flag.Bool("fix-dirty", false, "clear a dirty migration flag")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("=== MIGRATIONS ===")
	version, dirty, err := migrationState(ctx, database)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	fmt.Printf("Version: %d (dirty: %v)\n", version, dirty)

	if dirty {
		if !*fixDirty {
			log.Fatalf("Migration %d is dirty; rerun with -fix-dirty once the schema has been checked by hand", version)
		}
		if _, err := database.ExecContext(ctx, "UPDATE schema_migrations SET dirty = false"); err != nil {
			log.Fatalf("Failed to fix dirty state: %v", err)
		}
		fmt.Println("Dirty flag cleared")
	}

	fmt.Println("\n=== AUDIT LOGS ===")
	stats := repositories.NewRetentionRepository(database)

	counts, err := stats.CountByEventType(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	var total int64
	for _, c := range counts {
		fmt.Printf("%-24s %d\n", c.EventType, c.Count)
		total += c.Count
	}
	fmt.Printf("%-24s %d\n", "total", total)

	oldest, err := stats.OldestEntry(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if oldest == nil {
		fmt.Println("No entries found!")
		return
	}
	fmt.Printf("Oldest entry: %s (%s ago)\n", oldest.UTC().Format(time.RFC3339), time.Since(*oldest).Round(time.Hour))
}

// migrationState reads schema_migrations directly so a dirty state can be reported
// even when golang-migrate itself refuses to load it.
func migrationState(ctx context.Context, database *sql.DB) (int64, bool, error) {
	var version int64
	var dirty bool
	err := database.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return version, dirty, err
}
