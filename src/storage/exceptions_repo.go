package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"clickstream/src/models"
)

// ExceptionsRepo owns the append-only exception log table.
type ExceptionsRepo struct {
	pool  *pgxpool.Pool
	table string
}

func NewExceptionsRepo(pool *pgxpool.Pool, table Table) *ExceptionsRepo {
	return &ExceptionsRepo{pool: pool, table: table.Sanitize()}
}

func (r *ExceptionsRepo) AppendException(ctx context.Context, event models.Event) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
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
		return fmt.Errorf("append exception %s: %w", event.EventID, classifyPgError(err))
	}
	return nil
}

func (r *ExceptionsRepo) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]ExceptionRecord, error) {
	var builder strings.Builder
	args := make([]any, 0, 2)
	argIdx := 1

	builder.WriteString("SELECT " + eventColumns + ", id, logged_at\n")
	builder.WriteString(fmt.Sprintf("FROM %s\n", r.table))
	builder.WriteString("WHERE 1=1\n")

	if filter.EventID != "" {
		builder.WriteString(fmt.Sprintf("AND event_id = $%d\n", argIdx))
		args = append(args, filter.EventID)
		argIdx++
	}

	builder.WriteString("ORDER BY id ASC\n")
	builder.WriteString(fmt.Sprintf("LIMIT $%d", argIdx))
	args = append(args, ClampLimit(filter.Limit))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", classifyPgError(err))
	}
	defer rows.Close()

	records := make([]ExceptionRecord, 0)
	for rows.Next() {
		var record ExceptionRecord
		event, err := scanEvent(rows, &record.ID, &record.LoggedAt)
		if err != nil {
			return nil, fmt.Errorf("scan exception row: %w", err)
		}
		record.Event = event
		record.LoggedAt = record.LoggedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exception rows: %w", classifyPgError(err))
	}
	return records, nil
}
