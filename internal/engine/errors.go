package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/dvm/internal/store"
)

// LifecycleError represents a failure of a job lifecycle operation.
//
// Admission-time errors (malformed request, duplicates, insufficient
// funds, invalid schedule) are surfaced to the requester as a rejection
// with no state change. Execution-time errors (integrity mismatch,
// timeout, fault) terminate the job in a failed state with the reason
// recorded. Storage faults mean the durable store is unreachable and the
// operation failed closed.
type LifecycleError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RequestHash identifies the affected request, when known.
	RequestHash string

	// JobID identifies the affected job, when one exists.
	JobID int64
}

// ErrorCode categorizes lifecycle errors.
type ErrorCode string

const (
	// ErrCodeMalformedRequest indicates a required field is missing or invalid.
	ErrCodeMalformedRequest ErrorCode = "MALFORMED_REQUEST"

	// ErrCodeDuplicateJob indicates the canonical request hash is already admitted.
	ErrCodeDuplicateJob ErrorCode = "DUPLICATE_JOB"

	// ErrCodeInsufficientFunds indicates neither a settled payment nor a
	// sufficient pre-paid balance could fund the job.
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"

	// ErrCodeDuplicatePayment indicates the payment hash already funded a job.
	ErrCodeDuplicatePayment ErrorCode = "DUPLICATE_PAYMENT"

	// ErrCodeInvalidSchedule indicates a run date at or before the current time.
	ErrCodeInvalidSchedule ErrorCode = "INVALID_SCHEDULE"

	// ErrCodeDuplicateEventName indicates the oracle event name is taken.
	ErrCodeDuplicateEventName ErrorCode = "DUPLICATE_EVENT_NAME"

	// ErrCodeUnknownEvent indicates no oracle event with that name exists.
	ErrCodeUnknownEvent ErrorCode = "UNKNOWN_EVENT"

	// ErrCodeAlreadyAttested indicates the event outcome is already set.
	ErrCodeAlreadyAttested ErrorCode = "ALREADY_ATTESTED"

	// ErrCodeIntegrityMismatch indicates the fetched artifact does not match
	// the pinned checksum.
	ErrCodeIntegrityMismatch ErrorCode = "INTEGRITY_MISMATCH"

	// ErrCodeExecutionTimeout indicates the run exhausted its time budget.
	ErrCodeExecutionTimeout ErrorCode = "EXECUTION_TIMEOUT"

	// ErrCodeExecutionFault indicates the sandboxed code trapped or failed.
	ErrCodeExecutionFault ErrorCode = "EXECUTION_FAULT"

	// ErrCodeStorageFault indicates the durable store is unreachable.
	ErrCodeStorageFault ErrorCode = "STORAGE_FAULT"
)

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	switch {
	case e.JobID != 0:
		return fmt.Sprintf("%s: %s (job=%d)", e.Code, e.Message, e.JobID)
	case e.RequestHash != "":
		return fmt.Sprintf("%s: %s (request=%s)", e.Code, e.Message, e.RequestHash)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// CodeOf extracts the lifecycle error code from err, or empty when err is
// not a LifecycleError.
func CodeOf(err error) ErrorCode {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsAdmissionError reports whether err rejects a request at admission
// time, before any state change.
func IsAdmissionError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeMalformedRequest, ErrCodeDuplicateJob, ErrCodeInsufficientFunds,
		ErrCodeDuplicatePayment, ErrCodeInvalidSchedule, ErrCodeDuplicateEventName:
		return true
	}
	return false
}

func newError(code ErrorCode, message string) *LifecycleError {
	return &LifecycleError{Code: code, Message: message}
}

// mapStoreErr translates store sentinels into the lifecycle taxonomy.
// Unrecognized errors are treated as storage faults so callers fail
// closed rather than misclassifying.
func mapStoreErr(err error) *LifecycleError {
	switch {
	case errors.Is(err, store.ErrDuplicateJob):
		return newError(ErrCodeDuplicateJob, "request already admitted")
	case errors.Is(err, store.ErrDuplicatePayment):
		return newError(ErrCodeDuplicatePayment, "payment already funded a job")
	case errors.Is(err, store.ErrInsufficientFunds):
		return newError(ErrCodeInsufficientFunds, "balance cannot cover job price")
	case errors.Is(err, store.ErrPastSchedule):
		return newError(ErrCodeInvalidSchedule, "run date must be in the future")
	case errors.Is(err, store.ErrDuplicateEventName):
		return newError(ErrCodeDuplicateEventName, "event name already announced")
	case errors.Is(err, store.ErrUnknownEvent):
		return newError(ErrCodeUnknownEvent, "no event with that name")
	case errors.Is(err, store.ErrAlreadyAttested):
		return newError(ErrCodeAlreadyAttested, "event outcome already recorded")
	default:
		return newError(ErrCodeStorageFault, err.Error())
	}
}
