package services

import (
	"fmt"
)

// DecodeError means the payload could not be turned into an event. The
// message is rejected and left for the broker to redeliver.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PersistenceError means a store write failed after the bounded retry, or
// failed with a fault that is not worth retrying. Nothing was written.
type PersistenceError struct {
	Op       string
	EventID  string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s for event %s failed after %d attempt(s): %v", e.Op, e.EventID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// PartialWriteError means the current-state merge completed but the
// exception append did not. Redelivery repeats both writes; the merge is
// idempotent and the exception log may gain a duplicate.
type PartialWriteError struct {
	EventID string
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write for event %s: current state merged, exception append failed: %v", e.EventID, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}
