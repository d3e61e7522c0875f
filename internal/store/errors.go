package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors for constraint violations the callers branch on.
// Admission-time duplicates and fund shortfalls are expected conditions,
// not storage faults.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateJob       = errors.New("duplicate job request")
	ErrDuplicatePayment   = errors.New("duplicate payment hash")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrPastSchedule       = errors.New("scheduled_at must be in the future")
	ErrDuplicateEventName = errors.New("duplicate event name")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrAlreadyAttested    = errors.New("event already attested")
	ErrDuplicateLink      = errors.New("job already linked to an event")

	// ErrStorage marks faults of the store itself (unreachable database,
	// failed commit). In-flight operations observing it must fail closed.
	ErrStorage = errors.New("storage fault")
)

// joinStorage tags a low-level driver error as a storage fault while
// preserving the original for diagnostics.
func joinStorage(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// mapJobInsertErr translates SQLite constraint violations on the jobs
// table into the admission error taxonomy.
func mapJobInsertErr(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return joinStorage(err)
	}

	msg := sqliteErr.Error()
	switch {
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(msg, "request_hash"):
		return ErrDuplicateJob
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(msg, "payment_hash"):
		return ErrDuplicatePayment
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintTrigger &&
		strings.Contains(msg, "scheduled_at"):
		return ErrPastSchedule
	default:
		return joinStorage(err)
	}
}

// isUniqueViolation reports whether err is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// isCheckViolation reports whether err is a CHECK constraint violation
// (used for the non-negative balance guard).
func isCheckViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck
}

// isTriggerAbort reports whether err came from a RAISE(ABORT) trigger with
// the given message fragment.
func isTriggerAbort(err error, fragment string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintTrigger &&
		strings.Contains(sqliteErr.Error(), fragment)
}
