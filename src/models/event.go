package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field names of the wire and storage representation.
const (
	FieldEventID           = "event_id"
	FieldEventName         = "event_name"
	FieldUserID            = "user_id"
	FieldEventTimestamp    = "event_timestamp"
	FieldReceivedTimestamp = "received_timestamp"
	FieldIsValid           = "is_valid"
	FieldIsDeleted         = "is_deleted"
)

var ErrMissingEventID = errors.New("event_id is required")

// Event is one version of a click event. Nil fields are stored as NULL and
// serialized as explicit nulls.
type Event struct {
	EventID           string     `json:"event_id"`
	EventName         *string    `json:"event_name"`
	UserID            *string    `json:"user_id"`
	EventTimestamp    *time.Time `json:"event_timestamp"`
	ReceivedTimestamp *time.Time `json:"received_timestamp"`
	IsValid           *bool      `json:"is_valid"`
	IsDeleted         *bool      `json:"is_deleted"`
}

// Deleted reports whether the event is logically deleted.
func (e Event) Deleted() bool {
	return e.IsDeleted != nil && *e.IsDeleted
}

// Record is a decoded inbound message. It keeps track of which attributes were
// present on the wire so the tombstone shape can be recognized.
type Record struct {
	Event
	fields map[string]struct{}
}

// Fields returns the attribute names present in the payload, sorted.
func (r Record) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the attribute was present in the payload, even as null.
func (r Record) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// IsTombstone reports whether the payload carried event_id and nothing else.
func (r Record) IsTombstone() bool {
	return len(r.fields) == 1 && r.Has(FieldEventID)
}

// Normalize returns the event with is_valid defaulted to true and is_deleted
// recomputed from it. Any incoming is_deleted is discarded.
func (r Record) Normalize() Event {
	event := r.Event
	valid := true
	if event.IsValid != nil {
		valid = *event.IsValid
	}
	event.IsValid = BoolPtr(valid)
	event.IsDeleted = BoolPtr(!valid)
	return event
}

// Tombstone builds the synthetic deletion record for eventID. Its
// received_timestamp is deliberately left null.
func Tombstone(eventID string) Event {
	return Event{
		EventID:   eventID,
		IsValid:   BoolPtr(false),
		IsDeleted: BoolPtr(true),
	}
}

// DecodeEvent parses one inbound JSON payload.
func DecodeEvent(payload []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Record{}, fmt.Errorf("decode event payload: %w", err)
	}
	if raw == nil {
		return Record{}, fmt.Errorf("decode event payload: expected JSON object")
	}

	record := Record{fields: make(map[string]struct{}, len(raw))}
	for name := range raw {
		record.fields[name] = struct{}{}
	}

	eventID, err := decodeString(raw, FieldEventID)
	if err != nil {
		return Record{}, err
	}
	if eventID == nil || strings.TrimSpace(*eventID) == "" {
		return Record{}, ErrMissingEventID
	}
	record.EventID = *eventID

	if record.EventName, err = decodeString(raw, FieldEventName); err != nil {
		return Record{}, err
	}
	if record.UserID, err = decodeString(raw, FieldUserID); err != nil {
		return Record{}, err
	}
	if record.EventTimestamp, err = decodeTimestamp(raw, FieldEventTimestamp); err != nil {
		return Record{}, err
	}
	if record.ReceivedTimestamp, err = decodeTimestamp(raw, FieldReceivedTimestamp); err != nil {
		return Record{}, err
	}
	if record.IsValid, err = decodeBool(raw, FieldIsValid); err != nil {
		return Record{}, err
	}
	if record.IsDeleted, err = decodeBool(raw, FieldIsDeleted); err != nil {
		return Record{}, err
	}

	return record, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 MST",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and the space-separated warehouse format.
// Values without a zone are read as UTC. The result is UTC with microsecond
// precision, the precision both stores keep.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Truncate(time.Microsecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func isNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}

func decodeString(raw map[string]json.RawMessage, field string) (*string, error) {
	value, ok := raw[field]
	if !ok || isNull(value) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return nil, fmt.Errorf("decode %s: expected string", field)
	}
	return &s, nil
}

func decodeBool(raw map[string]json.RawMessage, field string) (*bool, error) {
	value, ok := raw[field]
	if !ok || isNull(value) {
		return nil, nil
	}
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		return nil, fmt.Errorf("decode %s: expected boolean", field)
	}
	return &b, nil
}

func decodeTimestamp(raw map[string]json.RawMessage, field string) (*time.Time, error) {
	s, err := decodeString(raw, field)
	if err != nil || s == nil {
		return nil, err
	}
	ts, err := ParseTimestamp(*s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return &ts, nil
}

func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }

func TimePtr(t time.Time) *time.Time {
	t = t.UTC().Truncate(time.Microsecond)
	return &t
}
