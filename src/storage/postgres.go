package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"clickstream/src/models"
)

// PostgresStore serves both tables from one connection pool.
type PostgresStore struct {
	pool       *pgxpool.Pool
	current    Table
	exceptions Table
	events     *EventsRepo
	exceptLog  *ExceptionsRepo
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore takes ownership of pool; Close releases it.
func NewPostgresStore(pool *pgxpool.Pool, currentTable, exceptionTable string) (*PostgresStore, error) {
	current, err := ParseTable(currentTable)
	if err != nil {
		return nil, fmt.Errorf("current state table: %w", err)
	}
	exceptions, err := ParseTable(exceptionTable)
	if err != nil {
		return nil, fmt.Errorf("exception table: %w", err)
	}
	return &PostgresStore{
		pool:       pool,
		current:    current,
		exceptions: exceptions,
		events:     NewEventsRepo(pool, current),
		exceptLog:  NewExceptionsRepo(pool, exceptions),
	}, nil
}

// OpenPostgres connects to databaseURL and builds a store over it.
func OpenPostgres(ctx context.Context, databaseURL, currentTable, exceptionTable string) (*PostgresStore, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	store, err := NewPostgresStore(pool, currentTable, exceptionTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Provision(ctx context.Context) error {
	return Provision(ctx, s.pool, s.current, s.exceptions)
}

func (s *PostgresStore) MergeEvent(ctx context.Context, event models.Event) (MergeResult, error) {
	return s.events.MergeEvent(ctx, event)
}

func (s *PostgresStore) AppendException(ctx context.Context, event models.Event) error {
	return s.exceptLog.AppendException(ctx, event)
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (models.Event, error) {
	return s.events.GetEvent(ctx, eventID)
}

func (s *PostgresStore) QueryEvents(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	return s.events.QueryEvents(ctx, filter)
}

func (s *PostgresStore) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]ExceptionRecord, error) {
	return s.exceptLog.ListExceptions(ctx, filter)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
