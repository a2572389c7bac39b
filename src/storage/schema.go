package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table is a table name, optionally qualified by a schema.
type Table struct {
	Schema string
	Name   string
}

// ParseTable accepts "name" or "schema.name" made of plain identifiers.
func ParseTable(raw string) (Table, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	var table Table
	switch len(parts) {
	case 1:
		table.Name = parts[0]
	case 2:
		table.Schema, table.Name = parts[0], parts[1]
		if !identPattern.MatchString(table.Schema) {
			return Table{}, fmt.Errorf("invalid schema name %q", table.Schema)
		}
	default:
		return Table{}, fmt.Errorf("invalid table name %q", raw)
	}
	if !identPattern.MatchString(table.Name) {
		return Table{}, fmt.Errorf("invalid table name %q", raw)
	}
	return table, nil
}

func (t Table) identifier() pgx.Identifier {
	if t.Schema == "" {
		return pgx.Identifier{t.Name}
	}
	return pgx.Identifier{t.Schema, t.Name}
}

// Sanitize returns the quoted SQL form of the name.
func (t Table) Sanitize() string {
	return t.identifier().Sanitize()
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func (t Table) index(suffix string) string {
	return pgx.Identifier{t.Name + "_" + suffix}.Sanitize()
}

// provisionStatements returns idempotent DDL for both tables. The current
// state table is keyed by event_id; both tables get an event_timestamp index
// for day-range scans.
func provisionStatements(current, exceptions Table) []string {
	stmts := make([]string, 0, 6)
	for _, table := range []Table{current, exceptions} {
		if table.Schema != "" {
			stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{table.Schema}.Sanitize()))
		}
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT PRIMARY KEY,
			event_name TEXT,
			user_id TEXT,
			event_timestamp TIMESTAMPTZ,
			received_timestamp TIMESTAMPTZ,
			is_valid BOOLEAN,
			is_deleted BOOLEAN
		)`, current.Sanitize()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (event_timestamp)", current.index("event_timestamp_idx"), current.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_name TEXT,
			user_id TEXT,
			event_timestamp TIMESTAMPTZ,
			received_timestamp TIMESTAMPTZ,
			is_valid BOOLEAN,
			is_deleted BOOLEAN,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, exceptions.Sanitize()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (event_timestamp)", exceptions.index("event_timestamp_idx"), exceptions.Sanitize()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (event_id)", exceptions.index("event_id_idx"), exceptions.Sanitize()),
	)
	return stmts
}

// Provision creates both tables and their indexes if they do not exist.
func Provision(ctx context.Context, pool *pgxpool.Pool, current, exceptions Table) error {
	for _, stmt := range provisionStatements(current, exceptions) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("provision tables: %w", classifyPgError(err))
		}
	}
	return nil
}
