package repositories

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check it with errors.Is to distinguish missing
// records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example a duplicate exercise name or a second live reservation for the
// same (agent, port) pair.
var ErrConflict = errors.New("record already exists")

// ErrInvalidState is returned when a lifecycle transition is not legal from
// the record's current state, such as starting an exercise twice or
// canceling a task that is already terminal.
var ErrInvalidState = errors.New("invalid state for operation")

// isUniqueViolation reports whether err is a unique-constraint violation.
// Neither the modernc sqlite driver nor pgx exposes a shared error type, so
// this matches on the driver message text. Covers sqlite ("UNIQUE constraint
// failed") and postgres ("duplicate key value", SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "23505")
}
