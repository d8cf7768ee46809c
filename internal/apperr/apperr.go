// Package apperr defines the error taxonomy shared by the fieldsync core.
//
// Validation, conflict, invalid-transition and immutable-cycle errors are
// returned synchronously to the caller of a domain write and guarantee that
// nothing was changed. Sync errors (transient, permanent, identity conflict)
// stay inside the dispatcher and surface only through status and events.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the error category.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeImmutableCycle    Code = "IMMUTABLE_CYCLE"
	CodeTransientSync     Code = "TRANSIENT_SYNC"
	CodePermanentSync     Code = "PERMANENT_SYNC"
	CodeIdentityConflict  Code = "IDENTITY_CONFLICT"
	CodeReconciliation    Code = "RECONCILIATION"
)

// Reasons attached to conflict errors.
const (
	ReasonCycleAlreadyActive = "CycleAlreadyActive"
)

// Detail keys.
const (
	DetailCanonicalID = "canonical_id"
	DetailCandidates  = "candidates"
)

// Error is the application error type.
type Error struct {
	Code    Code
	Message string

	// Reason refines Code (e.g. CycleAlreadyActive for CONFLICT).
	Reason string

	Err     error
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	msg += ": " + e.Message
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is matches another *Error with the same code and, when set, the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of e carrying one more detail.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Detail returns a detail value or "".
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrCycleAlreadyActive = &Error{Code: CodeConflict, Reason: ReasonCycleAlreadyActive}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrImmutableCycle     = &Error{Code: CodeImmutableCycle}
	ErrTransientSync      = &Error{Code: CodeTransientSync}
	ErrPermanentSync      = &Error{Code: CodePermanentSync}
	ErrIdentityConflict   = &Error{Code: CodeIdentityConflict}
	ErrReconciliation     = &Error{Code: CodeReconciliation}
)

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error for the given entity.
func NotFound(entity, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", entity, id),
		Details: map[string]string{"entity": entity, "id": id},
	}
}

// CycleAlreadyActive creates the conflict returned when a route already has
// an IN_PROGRESS cycle.
func CycleAlreadyActive(routeID, activeCycleID string) *Error {
	return &Error{
		Code:    CodeConflict,
		Reason:  ReasonCycleAlreadyActive,
		Message: fmt.Sprintf("route %s already has cycle %s in progress", routeID, activeCycleID),
		Details: map[string]string{"route_id": routeID, "active_cycle_id": activeCycleID},
	}
}

// InvalidTransition creates an error for a disallowed cycle status change.
func InvalidTransition(cycleID, from, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cycle %s cannot move from %s to %s", cycleID, from, to),
		Details: map[string]string{"cycle_id": cycleID, "from": from, "to": to},
	}
}

// ImmutableCycle creates the error returned for writes under a finalized cycle.
func ImmutableCycle(cycleID string) *Error {
	return &Error{
		Code:    CodeImmutableCycle,
		Message: fmt.Sprintf("cycle %s is finalized", cycleID),
		Details: map[string]string{"cycle_id": cycleID},
	}
}

// TransientSync wraps a retryable delivery failure.
func TransientSync(err error) *Error {
	return &Error{Code: CodeTransientSync, Message: "transient sync failure", Err: err}
}

// PermanentSync wraps a delivery failure that must not be retried.
func PermanentSync(err error) *Error {
	return &Error{Code: CodePermanentSync, Message: "permanent sync failure", Err: err}
}

// IdentityConflict reports that the backend already holds the same real-world
// object under canonicalID.
func IdentityConflict(entityType, localID, canonicalID string) *Error {
	return &Error{
		Code:    CodeIdentityConflict,
		Message: fmt.Sprintf("%s %s duplicates %s", entityType, localID, canonicalID),
		Details: map[string]string{
			"entity_type":     entityType,
			"local_id":        localID,
			DetailCanonicalID: canonicalID,
		},
	}
}

// Reconciliation creates an error for an ambiguous identity match.
func Reconciliation(format string, args ...any) *Error {
	return &Error{Code: CodeReconciliation, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func IsValidation(err error) bool        { return CodeOf(err) == CodeValidation }
func IsNotFound(err error) bool          { return CodeOf(err) == CodeNotFound }
func IsConflict(err error) bool          { return CodeOf(err) == CodeConflict }
func IsInvalidTransition(err error) bool { return CodeOf(err) == CodeInvalidTransition }
func IsImmutable(err error) bool         { return CodeOf(err) == CodeImmutableCycle }
func IsTransient(err error) bool         { return CodeOf(err) == CodeTransientSync }
func IsPermanent(err error) bool         { return CodeOf(err) == CodePermanentSync }
func IsIdentityConflict(err error) bool  { return CodeOf(err) == CodeIdentityConflict }
func IsReconciliation(err error) bool    { return CodeOf(err) == CodeReconciliation }
