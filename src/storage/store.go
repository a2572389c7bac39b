package storage

import (
	"context"
	"errors"
	"time"

	"clickstream/src/models"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 500
)

// MergeResult reports what a conditional merge did to the current-state row.
type MergeResult int

const (
	// MergeApplied means the row was inserted or replaced.
	MergeApplied MergeResult = iota
	// MergeUnchanged means the tie-break kept the existing row.
	MergeUnchanged
)

func (r MergeResult) String() string {
	switch r {
	case MergeApplied:
		return "applied"
	case MergeUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// CurrentStateStore applies event versions to the one-row-per-event table.
// MergeEvent must be a single atomic conditional write: insert when the key is
// absent, replace only when the stored received_timestamp is NULL or the
// incoming one is strictly greater.
type CurrentStateStore interface {
	MergeEvent(ctx context.Context, event models.Event) (MergeResult, error)
}

// ExceptionStore appends event snapshots to an append-only log.
type ExceptionStore interface {
	AppendException(ctx context.Context, event models.Event) error
}

type EventFilter struct {
	UserID         string
	EventName      string
	Since          *time.Time
	Until          *time.Time
	IncludeDeleted bool
	Limit          int
}

type ExceptionFilter struct {
	EventID string
	Limit   int
}

// ExceptionRecord is one row of the exception log.
type ExceptionRecord struct {
	ID       int64     `json:"id"`
	LoggedAt time.Time `json:"logged_at"`
	models.Event
}

type Reader interface {
	GetEvent(ctx context.Context, eventID string) (models.Event, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]models.Event, error)
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]ExceptionRecord, error)
}

// Store is a complete backend for both tables.
type Store interface {
	CurrentStateStore
	ExceptionStore
	Reader
	Provision(ctx context.Context) error
	Close() error
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
