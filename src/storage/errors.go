package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError marks a store fault that may succeed when retried, such as
// lock contention, serialization failure or a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient store error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// retryableSQLStates are Postgres error codes worth retrying.
var retryableSQLStates = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"53300": {}, // too_many_connections
	"57P03": {}, // cannot_connect_now
}

// classifyPgError wraps err in a TransientError when Postgres reports a
// retryable condition. Other errors are returned unchanged.
func classifyPgError(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryableSQLStates[pgErr.Code]; ok || len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return &TransientError{Err: err}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &TransientError{Err: err}
	}
	return err
}
