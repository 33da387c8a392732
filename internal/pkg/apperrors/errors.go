package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrNoRouteFound        ErrorType = "NO_ROUTE_FOUND"
	ErrInvalidAsset        ErrorType = "INVALID_ASSET"
	ErrInsufficientFunds   ErrorType = "INSUFFICIENT_FUNDS"
	ErrUserRejected        ErrorType = "USER_REJECTED"
	ErrCostEstimation      ErrorType = "COST_ESTIMATION_FAILED"
	ErrConfirmationTimeout ErrorType = "CONFIRMATION_TIMEOUT"
	ErrTransactionReverted ErrorType = "TRANSACTION_REVERTED"
	ErrSwapExecutionFailed ErrorType = "SWAP_EXECUTION_FAILED"
	ErrInvalidAddress      ErrorType = "INVALID_ADDRESS"
	ErrAlreadySubscribed   ErrorType = "ALREADY_SUBSCRIBED"
	ErrNotSubscribed       ErrorType = "NOT_SUBSCRIBED"
	ErrRateLimitExceeded   ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrInvalidRequest      ErrorType = "INVALID_REQUEST"
	ErrUpstream            ErrorType = "UPSTREAM_ERROR"
	ErrInternal            ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err carries the given error type.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// Terminal reports whether the error must not be retried.
// Everything not listed here is treated as transient and eligible
// for another attempt with a higher unit price.
func Terminal(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Type {
	case ErrNoRouteFound, ErrInvalidAsset, ErrInsufficientFunds,
		ErrUserRejected, ErrInvalidAddress, ErrInvalidRequest,
		ErrTransactionReverted:
		return true
	}
	return false
}

// Category returns the user-visible category string for an error,
// never the raw upstream message.
func Category(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return string(appErr.Type)
	}
	return string(ErrInternal)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest, ErrInvalidAddress, ErrInvalidAsset:
		return http.StatusBadRequest
	case ErrAlreadySubscribed:
		return http.StatusConflict
	case ErrNotSubscribed:
		return http.StatusNotFound
	case ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrNoRouteFound, ErrInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ErrUpstream, ErrConfirmationTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrNoRouteFound:
		return "Try a smaller amount or a different asset pair."
	case ErrInsufficientFunds:
		return "Top up the wallet to cover amount plus network cost."
	case ErrRateLimitExceeded:
		return "Slow down and retry later."
	case ErrConfirmationTimeout:
		return "The transaction may still land; check the reference on an explorer."
	case ErrAlreadySubscribed:
		return "Unsubscribe first, then subscribe to the new target."
	default:
		return ""
	}
}
