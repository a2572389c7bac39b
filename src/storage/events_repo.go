package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clickstream/src/models"
)

const eventColumns = "event_id, event_name, user_id, event_timestamp, received_timestamp, is_valid, is_deleted"

// EventsRepo owns the current-state table.
type EventsRepo struct {
	pool  *pgxpool.Pool
	table string
}

func NewEventsRepo(pool *pgxpool.Pool, table Table) *EventsRepo {
	return &EventsRepo{pool: pool, table: table.Sanitize()}
}

// MergeEvent applies one event version with a single INSERT ... ON CONFLICT
// statement. The WHERE clause is the whole tie-break: a NULL incoming
// received_timestamp never compares greater, so it only lands on a new key or
// on a row whose own received_timestamp is NULL.
func (r *EventsRepo) MergeEvent(ctx context.Context, event models.Event) (MergeResult, error) {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s AS t (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO UPDATE
		SET event_name = EXCLUDED.event_name,
			user_id = EXCLUDED.user_id,
			event_timestamp = EXCLUDED.event_timestamp,
			received_timestamp = EXCLUDED.received_timestamp,
			is_valid = EXCLUDED.is_valid,
			is_deleted = EXCLUDED.is_deleted
		WHERE t.received_timestamp IS NULL
		   OR EXCLUDED.received_timestamp > t.received_timestamp
	`, r.table),
		event.EventID,
		event.EventName,
		event.UserID,
		event.EventTimestamp,
		event.ReceivedTimestamp,
		event.IsValid,
		event.IsDeleted,
	)
	if err != nil {
		return MergeUnchanged, fmt.Errorf("merge event %s: %w", event.EventID, classifyPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return MergeUnchanged, nil
	}
	return MergeApplied, nil
}

func (r *EventsRepo) GetEvent(ctx context.Context, eventID string) (models.Event, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT `+eventColumns+`
		FROM %s WHERE event_id = $1
	`, r.table), eventID)

	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event %s: %w", eventID, classifyPgError(err))
	}
	return event, nil
}

func (r *EventsRepo) QueryEvents(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	var builder strings.Builder
	args := make([]any, 0, 6)
	argIdx := 1

	builder.WriteString("SELECT " + eventColumns + "\n")
	builder.WriteString(fmt.Sprintf("FROM %s\n", r.table))
	builder.WriteString("WHERE 1=1\n")

	if !filter.IncludeDeleted {
		builder.WriteString("AND is_deleted IS NOT TRUE\n")
	}

	if filter.UserID != "" {
		builder.WriteString(fmt.Sprintf("AND user_id = $%d\n", argIdx))
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.EventName != "" {
		builder.WriteString(fmt.Sprintf("AND event_name = $%d\n", argIdx))
		args = append(args, filter.EventName)
		argIdx++
	}

	if filter.Since != nil {
		builder.WriteString(fmt.Sprintf("AND event_timestamp >= $%d\n", argIdx))
		args = append(args, filter.Since.UTC())
		argIdx++
	}

	if filter.Until != nil {
		builder.WriteString(fmt.Sprintf("AND event_timestamp <= $%d\n", argIdx))
		args = append(args, filter.Until.UTC())
		argIdx++
	}

	builder.WriteString("ORDER BY event_timestamp DESC NULLS LAST, event_id ASC\n")
	builder.WriteString(fmt.Sprintf("LIMIT $%d", argIdx))
	args = append(args, ClampLimit(filter.Limit))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", classifyPgError(err))
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
		return nil, fmt.Errorf("iterate event rows: %w", classifyPgError(err))
	}

	return events, nil
}

func scanEvent(row pgx.Row, extra ...any) (models.Event, error) {
	var event models.Event
	dest := append([]any{
		&event.EventID,
		&event.EventName,
		&event.UserID,
		&event.EventTimestamp,
		&event.ReceivedTimestamp,
		&event.IsValid,
		&event.IsDeleted,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Event{}, err
	}
	event.EventTimestamp = utc(event.EventTimestamp)
	event.ReceivedTimestamp = utc(event.ReceivedTimestamp)
	return event, nil
}

func utc(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := ts.UTC()
	return &v
}
