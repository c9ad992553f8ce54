// Package errors provides structured error types for tweetkb.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Code represents a unique error code.
type Code string

// Error codes for tweetkb.
const (
	// Backend errors
	CodeConnection Code = "BACKEND_CONNECTION"
	CodeTimeout    Code = "BACKEND_TIMEOUT"
	CodeModel      Code = "BACKEND_MODEL"
	CodeAuth       Code = "BACKEND_AUTH"
	CodeRateLimit  Code = "BACKEND_RATE_LIMIT"
	CodeValidation Code = "VALIDATION"
	CodeGeneric    Code = "BACKEND_GENERIC"

	// Task errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState Code = "TASK_INVALID_STATE"
	CodeAgentBusy        Code = "AGENT_BUSY"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Pipeline errors
	CodeParseFailure  Code = "PARSE_FAILURE"
	CodePathCollision Code = "PATH_COLLISION"
	CodeInvariant     Code = "INVARIANT_VIOLATION"
	CodeCanceled      Code = "CANCELED"
)

// Category groups error codes by how callers should react.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryTransient
	CategoryContent
	CategoryConfiguration
	CategoryInvariant
	CategoryCancellation
	CategoryNotFound
	CategoryConflict
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeConnection:       CategoryTransient,
	CodeTimeout:          CategoryTransient,
	CodeRateLimit:        CategoryTransient,
	CodeGeneric:          CategoryTransient,
	CodeModel:            CategoryConfiguration,
	CodeAuth:             CategoryConfiguration,
	CodeValidation:       CategoryContent,
	CodeParseFailure:     CategoryContent,
	CodeTaskNotFound:     CategoryNotFound,
	CodeTaskInvalidState: CategoryConflict,
	CodeAgentBusy:        CategoryConflict,
	CodeConfigInvalid:    CategoryConfiguration,
	CodeConfigMissing:    CategoryConfiguration,
	CodePathCollision:    CategoryInvariant,
	CodeInvariant:        CategoryInvariant,
	CodeCanceled:         CategoryCancellation,
}

// Error is the structured error type for tweetkb.
// Backend errors carry the backend name and the operation that failed so
// that phase-level logs can attribute failures without unwrapping.
type Error struct {
	Code       Code          `json:"code"`
	What       string        `json:"what"`
	Backend    string        `json:"backend,omitempty"`
	Op         string        `json:"op,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.What)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// WithBackend returns a copy annotated with the backend name and operation.
func (e *Error) WithBackend(backend, op string) *Error {
	return &Error{
		Code:       e.Code,
		What:       e.What,
		Backend:    backend,
		Op:         op,
		RetryAfter: e.RetryAfter,
		Cause:      e.Cause,
	}
}

// Retryable reports whether the error is worth retrying at the call site.
// Connection, timeout, rate-limit and unclassified 5xx errors are
// transient; everything else is not.
func Retryable(err error) bool {
	e := AsError(err)
	if e == nil {
		return false
	}
	return e.Category() == CategoryTransient
}

// RetryAfter returns the server-suggested retry delay, or zero.
func RetryAfter(err error) time.Duration {
	if e := AsError(err); e != nil {
		return e.RetryAfter
	}
	return 0
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error is not an *Error.
func AsError(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// --- Error constructors ---

// ErrConnection returns an error for a failed connection.
func ErrConnection(cause error) *Error {
	return &Error{Code: CodeConnection, What: "connection failed", Cause: cause}
}

// ErrTimeout returns an error for a timed-out call.
func ErrTimeout(cause error) *Error {
	return &Error{Code: CodeTimeout, What: "request timed out", Cause: cause}
}

// ErrModel returns an error for a missing or unloadable model.
func ErrModel(model string, cause error) *Error {
	return &Error{Code: CodeModel, What: fmt.Sprintf("model %q unavailable", model), Cause: cause}
}

// ErrAuth returns an error for rejected credentials.
func ErrAuth(cause error) *Error {
	return &Error{Code: CodeAuth, What: "authentication rejected", Cause: cause}
}

// ErrRateLimit returns a rate-limit error with an optional server-suggested delay.
func ErrRateLimit(retryAfter time.Duration, cause error) *Error {
	return &Error{Code: CodeRateLimit, What: "rate limited", RetryAfter: retryAfter, Cause: cause}
}

// ErrValidation returns an error for invalid parameters or empty input.
func ErrValidation(what string) *Error {
	return &Error{Code: CodeValidation, What: what}
}

// ErrGeneric returns an error for an unclassified backend failure.
func ErrGeneric(what string, cause error) *Error {
	return &Error{Code: CodeGeneric, What: what, Cause: cause}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *Error {
	return &Error{Code: CodeTaskNotFound, What: fmt.Sprintf("task %s not found", id)}
}

// ErrTaskInvalidState returns an error when a task is in the wrong state
// for the requested operation.
func ErrTaskInvalidState(id, current, expected string) *Error {
	return &Error{
		Code: CodeTaskInvalidState,
		What: fmt.Sprintf("task %s is in state %q, expected %q", id, current, expected),
	}
}

// ErrAgentBusy returns an error when a run is rejected because the agent
// singleton already points at a live task.
func ErrAgentBusy(taskID string) *Error {
	return &Error{Code: CodeAgentBusy, What: fmt.Sprintf("agent is already running task %s", taskID)}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{Code: CodeConfigInvalid, What: fmt.Sprintf("invalid configuration: %s: %s", field, reason)}
}

// ErrConfigMissing returns an error for missing required configuration.
func ErrConfigMissing(field string) *Error {
	return &Error{Code: CodeConfigMissing, What: fmt.Sprintf("missing required configuration: %s", field)}
}

// ErrParseFailure returns an error for unparseable model output.
func ErrParseFailure(what string) *Error {
	return &Error{Code: CodeParseFailure, What: what}
}

// ErrPathCollision returns an error when two items resolve to the same
// knowledge-base directory.
func ErrPathCollision(path, otherItem string) *Error {
	return &Error{
		Code: CodePathCollision,
		What: fmt.Sprintf("kb path %q already claimed by item %s", path, otherItem),
	}
}

// ErrInvariant returns an error for a data integrity mismatch the
// validator could not repair.
func ErrInvariant(what string) *Error {
	return &Error{Code: CodeInvariant, What: what}
}

// ErrCanceled returns an error for a cooperatively canceled operation.
func ErrCanceled(what string) *Error {
	return &Error{Code: CodeCanceled, What: what}
}
