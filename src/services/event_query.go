package services

import (
	"context"
	"fmt"
	"strings"

	"clickstream/src/models"
	"clickstream/src/storage"
)

// EventQueryService serves reads of both tables. Deleted rows are hidden
// unless the caller asks for them explicitly.
type EventQueryService struct {
	repo storage.Reader
}

func NewEventQueryService(repo storage.Reader) *EventQueryService {
	return &EventQueryService{repo: repo}
}

func (s *EventQueryService) QueryEvents(ctx context.Context, filter storage.EventFilter) ([]models.Event, error) {
	filter.IncludeDeleted = false
	return s.query(ctx, filter)
}

func (s *EventQueryService) QueryEventsIncludingDeleted(ctx context.Context, filter storage.EventFilter) ([]models.Event, error) {
	filter.IncludeDeleted = true
	return s.query(ctx, filter)
}

func (s *EventQueryService) query(ctx context.Context, filter storage.EventFilter) ([]models.Event, error) {
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return nil, fmt.Errorf("until must not be before since")
	}
	filter.UserID = strings.TrimSpace(filter.UserID)
	filter.EventName = strings.TrimSpace(filter.EventName)
	filter.Limit = storage.ClampLimit(filter.Limit)
	return s.repo.QueryEvents(ctx, filter)
}

func (s *EventQueryService) GetEvent(ctx context.Context, eventID string) (models.Event, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return models.Event{}, models.ErrMissingEventID
	}
	return s.repo.GetEvent(ctx, eventID)
}

func (s *EventQueryService) ListExceptions(ctx context.Context, filter storage.ExceptionFilter) ([]storage.ExceptionRecord, error) {
	filter.EventID = strings.TrimSpace(filter.EventID)
	filter.Limit = storage.ClampLimit(filter.Limit)
	return s.repo.ListExceptions(ctx, filter)
}
