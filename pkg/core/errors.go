package core

import (
	"fmt"
)

// Error is the canonical error shape shared by HTTP handlers and the live
// voice protocol. The Code field is a stable machine-readable discriminator;
// Message stays free text for direct display.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrResourceLimit  ErrorType = "resource_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrProvider       ErrorType = "provider_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewResourceLimitError creates a resource limit error.
func NewResourceLimitError(message string) *Error {
	return &Error{
		Type:    ErrResourceLimit,
		Message: message,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewProviderError creates a provider-specific error.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", provider, underlying),
	}
}

// IsRecoverable reports whether the connection can keep serving messages
// after this error. Only protocol violations are fatal to a connection.
func (e *Error) IsRecoverable() bool {
	return e.Type != ErrAuthentication
}
