// Package perr defines planloom's error taxonomy (spec §7). Callers branch on
// kind with errors.As, not on message text.
package perr

import "fmt"

// ValidationError signals malformed input or a violated invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError signals a missing Plan/Task/Subtask/Dependency/Event/Action.
type NotFoundError struct {
	Kind string // "Plan", "Task", "Subtask", "Dependency", "Event", "Action"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q: not found", e.Kind, e.ID)
}

func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictKind enumerates the Conflict sub-kinds named in spec §7.
type ConflictKind string

const (
	ConflictLockedByOther       ConflictKind = "LockedByOther"
	ConflictNotHolder           ConflictKind = "NotHolder"
	ConflictActionAlreadyDecided ConflictKind = "ActionAlreadyDecided"
	ConflictDuplicateDependency ConflictKind = "DuplicateDependency"
)

// ConflictError signals a state conflict that the caller must resolve.
type ConflictError struct {
	Kind    ConflictKind
	Message string
	// Holder and AcquiredAt are populated for ConflictLockedByOther.
	Holder     string
	AcquiredAt string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict(%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("conflict(%s)", e.Kind)
}

func NewConflict(kind ConflictKind, message string) *ConflictError {
	return &ConflictError{Kind: kind, Message: message}
}

func NewLockedByOther(holder, acquiredAt string) *ConflictError {
	return &ConflictError{
		Kind:       ConflictLockedByOther,
		Message:    fmt.Sprintf("locked by %s at %s", holder, acquiredAt),
		Holder:     holder,
		AcquiredAt: acquiredAt,
	}
}

// CycleError signals that a dependency mutation or load observed a cycle.
type CycleError struct {
	NodeIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among tasks: %v", e.NodeIDs)
}

func NewCycle(nodeIDs []string) *CycleError {
	return &CycleError{NodeIDs: nodeIDs}
}

// InsufficientCalibrationError signals C4 ran without PERT data and no fallback.
type InsufficientCalibrationError struct {
	BucketID string
}

func (e *InsufficientCalibrationError) Error() string {
	return fmt.Sprintf("insufficient calibration data for bucket %q", e.BucketID)
}

func NewInsufficientCalibration(bucketID string) *InsufficientCalibrationError {
	return &InsufficientCalibrationError{BucketID: bucketID}
}

// CancelledError signals cooperative cancellation with no partial writes.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "operation cancelled" }

func NewCancelled() *CancelledError { return &CancelledError{} }

// TimeoutError signals a caller-imposed deadline elapsed.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "operation timed out" }

func NewTimeout() *TimeoutError { return &TimeoutError{} }

// InternalError wraps an unclassified failure with a correlation id for logs.
type InternalError struct {
	CorrelationID string
	Err           error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error (correlation=%s): %v", e.CorrelationID, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func NewInternal(correlationID string, err error) *InternalError {
	return &InternalError{CorrelationID: correlationID, Err: err}
}
