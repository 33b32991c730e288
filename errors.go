package gcap

import (
	"errors"
	"fmt"
	"net/http"
)

// =====================================
// Error Handling
// =====================================

// Error is the structured error every layer of the runtime reports.
// Type is the taxonomy kind, Field an optional path into the input payload.
type Error struct {
	Type    ErrorType
	Message string
	Field   string
	Cause   error
	Code    string
}

// Error implements the error interface
func (e Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s (field: %s)", e.Type, e.Message, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e Error) Is(target error) bool {
	if targetErr, ok := target.(Error); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// NewError creates a new Error
func NewError(errorType ErrorType, message string) Error {
	return Error{
		Type:    errorType,
		Message: message,
	}
}

// Errorf creates a new Error with a formatted message
func Errorf(errorType ErrorType, format string, args ...interface{}) Error {
	return NewError(errorType, fmt.Sprintf(format, args...))
}

// NewErrorWithCause creates a new Error with a cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) Error {
	return Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewFieldError creates a new Error pointing at a field of the input payload
func NewFieldError(errorType ErrorType, field, message string) Error {
	return Error{
		Type:    errorType,
		Message: message,
		Field:   field,
	}
}

// Sentinel values usable with errors.Is; only the Type is compared.
var (
	ErrValidation          = Error{Type: ErrorTypeValidation}
	ErrNotFound            = Error{Type: ErrorTypeNotFound}
	ErrDuplicateKey        = Error{Type: ErrorTypeDuplicateKey}
	ErrDuplicateEntity     = Error{Type: ErrorTypeDuplicateEntity}
	ErrDuplicateOperation  = Error{Type: ErrorTypeDuplicateOperation}
	ErrUnknownEntity       = Error{Type: ErrorTypeUnknownEntity}
	ErrForbidden           = Error{Type: ErrorTypeForbidden}
	ErrOperationNotAllowed = Error{Type: ErrorTypeOperationNotAllowed}
	ErrUnimplemented       = Error{Type: ErrorTypeUnimplemented}
	ErrCommitFailed        = Error{Type: ErrorTypeCommitFailed}
	ErrTransactionClosed   = Error{Type: ErrorTypeTransactionClosed}
	ErrRegistryFrozen      = Error{Type: ErrorTypeRegistryFrozen}
)

// TypeOf returns the ErrorType carried by err, or ErrorTypeInternal when err
// is not a runtime error.
func TypeOf(err error) ErrorType {
	var e Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	return TypeOf(err) == errorType
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return IsErrorType(err, ErrorTypeNotFound)
}

// IsDuplicateKey checks if an error is a "duplicate key" error
func IsDuplicateKey(err error) bool {
	return IsErrorType(err, ErrorTypeDuplicateKey)
}

// IsValidation checks if an error is a "validation" error
func IsValidation(err error) bool {
	return IsErrorType(err, ErrorTypeValidation)
}

// IsForbidden checks if an error is a "forbidden" error
func IsForbidden(err error) bool {
	return IsErrorType(err, ErrorTypeForbidden)
}

// IsProgrammingError reports whether err signals a violated runtime invariant
// rather than a problem with the request.
func IsProgrammingError(err error) bool {
	t := TypeOf(err)
	return t == ErrorTypeTransactionClosed || t == ErrorTypeRegistryFrozen
}

// StatusOf maps an error onto the HTTP-style status a wire adapter reports
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound, ErrorTypeUnknownEntity:
		return http.StatusNotFound
	case ErrorTypeDuplicateKey:
		return http.StatusConflict
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeOperationNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrorTypeUnimplemented:
		return http.StatusNotImplemented
	case ErrorTypeCommitFailed:
		return http.StatusConflict
	case ErrorTypeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorInfo is the (kind, message, field path) triple handed back to the caller
type ErrorInfo struct {
	Kind    ErrorType `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"target,omitempty"`
	Status  int       `json:"-"`
}

// Error implements the error interface
func (i *ErrorInfo) Error() string {
	if i.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", i.Kind, i.Message, i.Field)
	}
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// InfoOf flattens err into the structured triple. Untyped errors are
// reported as internal without leaking their text.
func InfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var e Error
	if !errors.As(err, &e) {
		return &ErrorInfo{
			Kind:    ErrorTypeInternal,
			Message: "internal error",
			Status:  http.StatusInternalServerError,
		}
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	return &ErrorInfo{
		Kind:    e.Type,
		Message: msg,
		Field:   e.Field,
		Status:  StatusOf(e),
	}
}
