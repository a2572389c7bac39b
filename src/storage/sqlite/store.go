package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"clickstream/src/models"
	"clickstream/src/storage"
)

const eventColumns = "event_id, event_name, user_id, event_timestamp, received_timestamp, is_valid, is_deleted"

// Store is an embedded SQLite backend with the same merge semantics as the
// Postgres store. Timestamps are stored as integer microseconds since the
// Unix epoch so that comparison and NULL handling match TIMESTAMPTZ.
type Store struct {
	sqlDB      *sql.DB
	current    string
	exceptions string
	now        func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMicros(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UTC().UnixMicro(), Valid: true}
}

func fromMicros(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	ts := time.UnixMicro(value.Int64).UTC()
	return &ts
}

func toNullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func toNullBool(value *bool) sql.NullBool {
	if value == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *value, Valid: true}
}

// tableName flattens "schema.name" into "schema_name"; SQLite schemas are
// attached databases, not namespaces.
func tableName(raw string) (string, error) {
	table, err := storage.ParseTable(raw)
	if err != nil {
		return "", err
	}
	name := table.Name
	if table.Schema != "" {
		name = table.Schema + "_" + table.Name
	}
	return `"` + name + `"`, nil
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path, currentTable, exceptionTable string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	current, err := tableName(currentTable)
	if err != nil {
		return nil, fmt.Errorf("current state table: %w", err)
	}
	exceptions, err := tableName(exceptionTable)
	if err != nil {
		return nil, fmt.Errorf("exception table: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection; concurrent merges queue on the pool instead of
	// failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Store{
		sqlDB:      sqlDB,
		current:    current,
		exceptions: exceptions,
		now:        time.Now,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Provision(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT PRIMARY KEY,
			event_name TEXT,
			user_id TEXT,
			event_timestamp INTEGER,
			received_timestamp INTEGER,
			is_valid INTEGER,
			is_deleted INTEGER
		)`, s.current),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (event_timestamp)`, indexName(s.current, "event_timestamp_idx"), s.current),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			event_name TEXT,
			user_id TEXT,
			event_timestamp INTEGER,
			received_timestamp INTEGER,
			is_valid INTEGER,
			is_deleted INTEGER,
			logged_at INTEGER NOT NULL
		)`, s.exceptions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (event_timestamp)`, indexName(s.exceptions, "event_timestamp_idx"), s.exceptions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (event_id)`, indexName(s.exceptions, "event_id_idx"), s.exceptions),
	}
	for _, stmt := range stmts {
		if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("provision tables: %w", classify(err))
		}
	}
	return nil
}

func indexName(quotedTable, suffix string) string {
	return `"` + strings.Trim(quotedTable, `"`) + "_" + suffix + `"`
}

// MergeEvent is one UPSERT statement; the WHERE clause carries the
// latest-wins tie-break including its NULL semantics.
func (s *Store) MergeEvent(ctx context.Context, event models.Event) (storage.MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.MergeUnchanged, err
	}
	res, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE
		SET event_name = excluded.event_name,
			user_id = excluded.user_id,
			event_timestamp = excluded.event_timestamp,
			received_timestamp = excluded.received_timestamp,
			is_valid = excluded.is_valid,
			is_deleted = excluded.is_deleted
		WHERE %[1]s.received_timestamp IS NULL
		   OR excluded.received_timestamp > %[1]s.received_timestamp
	`, s.current), eventArgs(event)...)
	if err != nil {
		return storage.MergeUnchanged, fmt.Errorf("merge event %s: %w", event.EventID, classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.MergeUnchanged, fmt.Errorf("merge event %s: rows affected: %w", event.EventID, err)
	}
	if affected == 0 {
		return storage.MergeUnchanged, nil
	}
	return storage.MergeApplied, nil
}

func (s *Store) AppendException(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := append(eventArgs(event), s.now().UTC().UnixMicro())
	_, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (`+eventColumns+`, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.exceptions), args...)
	if err != nil {
		return fmt.Errorf("append exception %s: %w", event.EventID, classify(err))
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (models.Event, error) {
	row := s.sqlDB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT `+eventColumns+`
		FROM %s WHERE event_id = ?
	`, s.current), eventID)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event %s: %w", eventID, classify(err))
	}
	return event, nil
}

func (s *Store) QueryEvents(ctx context.Context, filter storage.EventFilter) ([]models.Event, error) {
	var builder strings.Builder
	args := make([]any, 0, 6)

	builder.WriteString("SELECT " + eventColumns + "\n")
	builder.WriteString(fmt.Sprintf("FROM %s\n", s.current))
	builder.WriteString("WHERE 1=1\n")

	if !filter.IncludeDeleted {
		builder.WriteString("AND is_deleted IS NOT 1\n")
	}
	if filter.UserID != "" {
		builder.WriteString("AND user_id = ?\n")
		args = append(args, filter.UserID)
	}
	if filter.EventName != "" {
		builder.WriteString("AND event_name = ?\n")
		args = append(args, filter.EventName)
	}
	if filter.Since != nil {
		builder.WriteString("AND event_timestamp >= ?\n")
		args = append(args, filter.Since.UTC().UnixMicro())
	}
	if filter.Until != nil {
		builder.WriteString("AND event_timestamp <= ?\n")
		args = append(args, filter.Until.UTC().UnixMicro())
	}

	builder.WriteString("ORDER BY event_timestamp IS NULL, event_timestamp DESC, event_id ASC\n")
	builder.WriteString("LIMIT ?")
	args = append(args, storage.ClampLimit(filter.Limit))

	rows, err := s.sqlDB.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", classify(err))
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", classify(err))
	}
	return events, nil
}

func (s *Store) ListExceptions(ctx context.Context, filter storage.ExceptionFilter) ([]storage.ExceptionRecord, error) {
	var builder strings.Builder
	args := make([]any, 0, 2)

	builder.WriteString("SELECT " + eventColumns + ", id, logged_at\n")
	builder.WriteString(fmt.Sprintf("FROM %s\n", s.exceptions))
	builder.WriteString("WHERE 1=1\n")
	if filter.EventID != "" {
		builder.WriteString("AND event_id = ?\n")
		args = append(args, filter.EventID)
	}
	builder.WriteString("ORDER BY id ASC\n")
	builder.WriteString("LIMIT ?")
	args = append(args, storage.ClampLimit(filter.Limit))

	rows, err := s.sqlDB.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", classify(err))
	}
	defer rows.Close()

	records := make([]storage.ExceptionRecord, 0)
	for rows.Next() {
		var record storage.ExceptionRecord
		var loggedAt int64
		event, err := scanEvent(rows, &record.ID, &loggedAt)
		if err != nil {
			return nil, fmt.Errorf("scan exception row: %w", err)
		}
		record.Event = event
		record.LoggedAt = time.UnixMicro(loggedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exception rows: %w", classify(err))
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, extra ...any) (models.Event, error) {
	var (
		event             models.Event
		eventName, userID sql.NullString
		eventTS, recvTS   sql.NullInt64
		isValid, isDel    sql.NullBool
	)
	dest := append([]any{&event.EventID, &eventName, &userID, &eventTS, &recvTS, &isValid, &isDel}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Event{}, err
	}
	if eventName.Valid {
		event.EventName = models.StringPtr(eventName.String)
	}
	if userID.Valid {
		event.UserID = models.StringPtr(userID.String)
	}
	event.EventTimestamp = fromMicros(eventTS)
	event.ReceivedTimestamp = fromMicros(recvTS)
	if isValid.Valid {
		event.IsValid = models.BoolPtr(isValid.Bool)
	}
	if isDel.Valid {
		event.IsDeleted = models.BoolPtr(isDel.Bool)
	}
	return event, nil
}

func eventArgs(event models.Event) []any {
	return []any{
		event.EventID,
		toNullString(event.EventName),
		toNullString(event.UserID),
		toMicros(event.EventTimestamp),
		toMicros(event.ReceivedTimestamp),
		toNullBool(event.IsValid),
		toNullBool(event.IsDeleted),
	}
}

// classify marks SQLITE_BUSY and SQLITE_LOCKED, including their extended
// codes, as transient.
func classify(err error) error {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &storage.TransientError{Err: err}
	}
	return err
}
