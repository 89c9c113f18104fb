// Package apperror provides structured errors shared by every layer of the compiler
// and the record runtime. Callers branch on Code, never on message text.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Metadata problems, raised before anything touches storage
	CodeDefinition = "DEFINITION_ERROR"

	// Pipeline problems, raised while binding a definition to services
	CodeBuild = "BUILD_ERROR"

	// Instance problems
	CodeValidation       = "VALIDATION_ERROR"
	CodePositionConflict = "POSITION_CONFLICT"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"

	CodeConcurrentModification = "CONCURRENT_MODIFICATION"

	// Infrastructure
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"
)

// Detail reasons attached to BUILD_ERROR.
const (
	ReasonUnresolvedService = "UNRESOLVED_SERVICE"
	ReasonUnknownTarget     = "UNKNOWN_TARGET"
	ReasonPositioning       = "POSITIONING"
)

// Issue is a single problem found in a model definition.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AppError is the error type returned across package boundaries.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (model, field, issues, versions)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// Issues returns the definition issues carried by the error, if any.
func (e *AppError) Issues() []Issue {
	issues, _ := e.Details["issues"].([]Issue)
	return issues
}

// --- Factory functions ---

// NewDefinition reports a malformed model definition.
func NewDefinition(model string, issues ...Issue) *AppError {
	msg := fmt.Sprintf("model %q has an invalid definition", model)
	if len(issues) == 1 {
		msg = fmt.Sprintf("model %q: %s", model, issues[0].Message)
	}
	return &AppError{
		Code:    CodeDefinition,
		Message: msg,
		Details: map[string]any{"model": model, "issues": issues},
	}
}

// NewBuild reports a pipeline failure for one model.
func NewBuild(model, reason, message string) *AppError {
	return &AppError{
		Code:    CodeBuild,
		Message: fmt.Sprintf("model %q: %s", model, message),
		Details: map[string]any{"model": model, "reason": reason},
	}
}

// NewUnresolvedService reports a named service missing from the registry.
func NewUnresolvedService(model, kind, name string) *AppError {
	return NewBuild(model, ReasonUnresolvedService, fmt.Sprintf("unresolved %s service %q", kind, name)).
		WithDetail("kind", kind).
		WithDetail("service", name)
}

// NewValidation creates a validation error
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewPositionConflict reports a stale list version on a move.
func NewPositionConflict(model, expected, actual string) *AppError {
	return &AppError{
		Code:    CodePositionConflict,
		Message: "list was reordered by another writer, reload and retry",
		Details: map[string]any{"model": model, "expected": expected, "actual": actual},
	}
}

// NewConcurrentModification creates an optimistic locking error
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeConcurrentModification,
		Message: "record was modified concurrently",
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewConflict creates a conflict error
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// NewDatabase wraps a storage failure.
func NewDatabase(op string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: fmt.Sprintf("database operation %s failed", op),
		Details: map[string]any{"op": op},
		Err:     err,
	}
}

// NewInternal creates an internal error
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsPositionConflict checks if error is CodePositionConflict
func IsPositionConflict(err error) bool {
	return HasCode(err, CodePositionConflict)
}

// IsDefinition checks if error is CodeDefinition
func IsDefinition(err error) bool {
	return HasCode(err, CodeDefinition)
}

// IsBuild checks if error is CodeBuild
func IsBuild(err error) bool {
	return HasCode(err, CodeBuild)
}

// IsValidation checks if error is CodeValidation
func IsValidation(err error) bool {
	return HasCode(err, CodeValidation)
}
