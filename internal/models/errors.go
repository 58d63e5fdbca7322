package models

import (
	"errors"
	"fmt"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	ErrorCodeInsufficientOnHand      ErrorCode = "INSUFFICIENT_ON_HAND"
	ErrorCodeInsufficientAvailable   ErrorCode = "INSUFFICIENT_AVAILABLE"
	ErrorCodeInvalidReservationState ErrorCode = "INVALID_RESERVATION_STATE"
	ErrorCodeNoStockAvailable        ErrorCode = "NO_STOCK_AVAILABLE"
	ErrorCodeNotFound                ErrorCode = "NOT_FOUND"
	ErrorCodeValidationError         ErrorCode = "VALIDATION_ERROR"
	ErrorCodeInvalidField            ErrorCode = "INVALID_FIELD"
	ErrorCodeInternalError           ErrorCode = "INTERNAL_ERROR"
	ErrorCodeDatabaseError           ErrorCode = "DATABASE_ERROR"
	ErrorCodeCacheError              ErrorCode = "CACHE_ERROR"
	ErrorCodeEventingError           ErrorCode = "EVENTING_ERROR"
	ErrorCodeTimeout                 ErrorCode = "TIMEOUT"
)

// Sentinels for errors.Is; BusinessError matches them by code.
var (
	ErrInsufficientOnHand      = &BusinessError{Code: ErrorCodeInsufficientOnHand, Message: "insufficient on-hand stock"}
	ErrInsufficientAvailable   = &BusinessError{Code: ErrorCodeInsufficientAvailable, Message: "insufficient available stock"}
	ErrInvalidReservationState = &BusinessError{Code: ErrorCodeInvalidReservationState, Message: "reserved quantity would go negative"}
	ErrNoStockAvailable        = &BusinessError{Code: ErrorCodeNoStockAvailable, Message: "no warehouse has stock for variant"}
	ErrNotFound                = &BusinessError{Code: ErrorCodeNotFound, Message: "not found"}
)

// StockDetails is attached to stock rejections so callers can show the remaining quantity.
type StockDetails struct {
	VariantID   string `json:"variant_id"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Requested   int    `json:"requested"`
	OnHand      int    `json:"on_hand"`
	Reserved    int    `json:"reserved"`
	Available   int    `json:"available"`
}

// ValidationError represents validation errors with detailed field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Value   any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// BusinessError represents business logic errors
type BusinessError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any BusinessError carrying the same code.
func (e *BusinessError) Is(target error) bool {
	t, ok := target.(*BusinessError)
	return ok && t.Code == e.Code
}

// SystemError represents system-level errors (database, cache, external services)
type SystemError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Component string    `json:"component"`
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s in %s: %s (caused by: %v)", e.Code, e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s in %s: %s", e.Code, e.Component, e.Message)
}

func (e *SystemError) Unwrap() error {
	return e.Cause
}

func NewValidationError(field, message string, value any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

func NewBusinessError(code ErrorCode, message string, details any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func NewSystemError(code ErrorCode, component, message string, cause error) *SystemError {
	return &SystemError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Component: component,
	}
}

// NewNotFoundError builds a NOT_FOUND business error for a resource.
func NewNotFoundError(resource, id string) *BusinessError {
	return NewBusinessError(ErrorCodeNotFound, fmt.Sprintf("%s with ID '%s' not found", resource, id), map[string]string{
		"resource": resource,
		"id":       id,
	})
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

func IsSystemError(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}

// IsStockRejection reports whether err is a recoverable out-of-stock outcome.
func IsStockRejection(err error) bool {
	return errors.Is(err, ErrInsufficientOnHand) ||
		errors.Is(err, ErrInsufficientAvailable) ||
		errors.Is(err, ErrNoStockAvailable)
}

// GetErrorCode extracts error code from various error types
func GetErrorCode(err error) ErrorCode {
	var (
		ve *ValidationError
		be *BusinessError
		se *SystemError
	)
	switch {
	case errors.As(err, &ve):
		return ErrorCodeValidationError
	case errors.As(err, &be):
		return be.Code
	case errors.As(err, &se):
		return se.Code
	default:
		return ErrorCodeInternalError
	}
}
