package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clickstream/src/models"
	"clickstream/src/services"
	"clickstream/src/storage"
)

type EventRoutes struct {
	QueryService *services.EventQueryService
	Logger       *slog.Logger
}

func RegisterEventRoutes(mux *http.ServeMux, routes EventRoutes) {
	mux.HandleFunc("/events", routes.handleEvents)
	mux.HandleFunc("/events/", routes.handleEvent)
	mux.HandleFunc("/exceptions", routes.handleExceptions)
}

func (r EventRoutes) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	filter, err := parseEventFilter(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var events []models.Event
	if filter.IncludeDeleted {
		events, err = r.QueryService.QueryEventsIncludingDeleted(req.Context(), filter)
	} else {
		events, err = r.QueryService.QueryEvents(req.Context(), filter)
	}
	if err != nil {
		r.Logger.Error("query events failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r EventRoutes) handleEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	eventID := strings.TrimPrefix(req.URL.Path, "/events/")
	if strings.TrimSpace(eventID) == "" || strings.Contains(eventID, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	event, err := r.QueryService.GetEvent(req.Context(), eventID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	if err != nil {
		r.Logger.Error("get event failed", "event_id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (r EventRoutes) handleExceptions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	q := req.URL.Query()
	filter := storage.ExceptionFilter{EventID: q.Get("event_id")}
	if limitRaw := q.Get("limit"); limitRaw != "" {
		limit, err := strconv.Atoi(limitRaw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	records, err := r.QueryService.ListExceptions(req.Context(), filter)
	if err != nil {
		r.Logger.Error("list exceptions failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func parseEventFilter(req *http.Request) (storage.EventFilter, error) {
	q := req.URL.Query()
	filter := storage.EventFilter{UserID: q.Get("user_id"), EventName: q.Get("event_name")}

	if sinceRaw := q.Get("since"); sinceRaw != "" {
		since, err := parseQueryTime("since", sinceRaw)
		if err != nil {
			return storage.EventFilter{}, err
		}
		filter.Since = &since
	}
	if untilRaw := q.Get("until"); untilRaw != "" {
		until, err := parseQueryTime("until", untilRaw)
		if err != nil {
			return storage.EventFilter{}, err
		}
		filter.Until = &until
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return storage.EventFilter{}, fmt.Errorf("until must not be before since")
	}
	if raw := q.Get("include_deleted"); raw != "" {
		includeDeleted, err := strconv.ParseBool(raw)
		if err != nil {
			return storage.EventFilter{}, fmt.Errorf("invalid include_deleted: %w", err)
		}
		filter.IncludeDeleted = includeDeleted
	}
	if limitRaw := q.Get("limit"); limitRaw != "" {
		limit, err := strconv.Atoi(limitRaw)
		if err != nil {
			return storage.EventFilter{}, fmt.Errorf("invalid limit: %w", err)
		}
		filter.Limit = limit
	}

	return filter, nil
}

func parseQueryTime(name, raw string) (time.Time, error) {
	ts, err := models.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return ts, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
