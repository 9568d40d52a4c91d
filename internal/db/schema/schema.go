// Package schema describes relational tables as plain values (columns, indexes, foreign keys)
// and renders them to PostgreSQL DDL. Apply and Revert execute the rendered statements
// inside a single transaction so a half-created table is never left behind.
//
// The versioned SQL files under internal/db/migrations are the deployment path; this package
// is the in-code definition those files must agree with, and the path used by the
// "schema apply|revert" CLI command against environments that do not track migration versions.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ColumnType is a semantic column type, independent of the SQL dialect.
type ColumnType int

const (
	BigIncrements ColumnType = iota + 1
	BigInteger
	UnsignedBigInteger
	String
	Text
	JSON
	Timestamp
)

// Referential actions for ForeignKey.OnDelete
const (
	NoAction = "NO ACTION"
	Cascade  = "CASCADE"
	SetNull  = "SET NULL"
	Restrict = "RESTRICT"
)

// ForeignKey declares a referential-integrity rule enforced by the database engine.
type ForeignKey struct {
	Table    string
	Column   string
	OnDelete string
}

// Column describes one table column.
type Column struct {
	Name       string
	Type       ColumnType
	Length     int // VARCHAR length for String columns
	Nullable   bool
	Unique     bool
	References *ForeignKey
}

// Index describes a non-unique secondary index.
type Index struct {
	Name    string
	Columns []string
}

// Table is a complete table definition.
type Table struct {
	Name    string
	Columns []Column
	Indexes []Index
}

// Validate checks the definition for structural mistakes before any SQL is rendered.
func (t Table) Validate() error {
	if t.Name == "" {
		return errors.New("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: at least one column is required", t.Name)
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: column name is required", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Type == String && c.Length <= 0 {
			return fmt.Errorf("table %s: string column %q needs a positive length", t.Name, c.Name)
		}
		if c.References != nil && c.References.OnDelete == SetNull && !c.Nullable {
			return fmt.Errorf("table %s: column %q uses ON DELETE SET NULL but is not nullable", t.Name, c.Name)
		}
	}

	indexNames := make(map[string]bool, len(t.Indexes))
	for _, idx := range t.Indexes {
		if idx.Name == "" || len(idx.Columns) == 0 {
			return fmt.Errorf("table %s: index needs a name and at least one column", t.Name)
		}
		if indexNames[idx.Name] {
			return fmt.Errorf("table %s: duplicate index %q", t.Name, idx.Name)
		}
		indexNames[idx.Name] = true
		for _, col := range idx.Columns {
			if !seen[col] {
				return fmt.Errorf("table %s: index %q references unknown column %q", t.Name, idx.Name, col)
			}
		}
	}
	return nil
}

// Column returns the named column and whether it exists.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// CreateStatements renders CREATE TABLE followed by one CREATE INDEX per index.
// Every statement is guarded with IF NOT EXISTS.
func (t Table) CreateStatements() []string {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, "    "+columnDefinition(c))
	}

	stmts := make([]string, 0, len(t.Indexes)+1)
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", t.Name, strings.Join(defs, ",\n")))
	for _, idx := range t.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			idx.Name, t.Name, strings.Join(idx.Columns, ", ")))
	}
	return stmts
}

// DropStatement renders DROP TABLE IF EXISTS. Indexes are dropped with the table.
func (t Table) DropStatement() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", t.Name)
}

func columnDefinition(c Column) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte(' ')
	b.WriteString(sqlType(c))

	if c.Type == BigIncrements {
		b.WriteString(" PRIMARY KEY")
		return b.String()
	}

	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	if c.Type == UnsignedBigInteger {
		fmt.Fprintf(&b, " CHECK (%s >= 0)", c.Name)
	}
	if c.Type == Timestamp && !c.Nullable {
		b.WriteString(" DEFAULT NOW()")
	}
	if fk := c.References; fk != nil {
		fmt.Fprintf(&b, " REFERENCES %s(%s)", fk.Table, fk.Column)
		if fk.OnDelete != "" {
			b.WriteString(" ON DELETE ")
			b.WriteString(fk.OnDelete)
		}
	}
	return b.String()
}

func sqlType(c Column) string {
	switch c.Type {
	case BigIncrements:
		return "BIGSERIAL"
	case BigInteger, UnsignedBigInteger:
		// PostgreSQL has no unsigned integers; the CHECK constraint keeps the column non-negative.
		return "BIGINT"
	case String:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	case Text:
		return "TEXT"
	case JSON:
		// JSON rather than JSONB: the document text is stored and returned verbatim.
		return "JSON"
	case Timestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// Apply creates the given tables and their indexes in order, in one transaction.
// Running it against a database that already has the tables is a no-op.
func Apply(ctx context.Context, db *sql.DB, tables ...Table) error {
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return inTx(ctx, db, func(tx *sql.Tx) error {
		for _, t := range tables {
			for _, stmt := range t.CreateStatements() {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to apply %s: %w", t.Name, err)
				}
			}
		}
		return nil
	})
}

// Revert drops the given tables in reverse order, in one transaction.
// Tables that do not exist are skipped.
func Revert(ctx context.Context, db *sql.DB, tables ...Table) error {
	return inTx(ctx, db, func(tx *sql.Tx) error {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, tables[i].DropStatement()); err != nil {
				return fmt.Errorf("failed to revert %s: %w", tables[i].Name, err)
			}
		}
		return nil
	})
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema change: %w", err)
	}
	return nil
}
