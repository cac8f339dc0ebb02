// Package core provides the shared types and error taxonomy for the gateway.
package core

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType classifies a gateway error.
type ErrorType string

const (
	// ErrorTypePolicy indicates invalid startup security configuration.
	// Fatal: the process must not open a listening socket.
	ErrorTypePolicy ErrorType = "policy_error"
	// ErrorTypeAuth indicates a missing or invalid bearer token (401).
	ErrorTypeAuth ErrorType = "authentication_error"
	// ErrorTypeValidation indicates a malformed or incomplete request body (400).
	ErrorTypeValidation ErrorType = "invalid_request_error"
	// ErrorTypeCapacity indicates the concurrent-session bound was reached (429).
	ErrorTypeCapacity ErrorType = "capacity_error"
	// ErrorTypeProvider indicates an upstream provider failure (5xx).
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeCancelled indicates the client went away mid-call.
	// Logged, never reported to the already-gone client.
	ErrorTypeCancelled ErrorType = "cancelled"
)

// GatewayError is the error type all gateway failures flow through.
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	// Original cause for debugging, not exposed to clients.
	Err error `json:"-"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the HTTP status to serve this error with.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeCapacity:
		return http.StatusTooManyRequests
	case ErrorTypeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to the OpenAI-style error envelope.
func (e *GatewayError) ToJSON() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewPolicyError reports an invalid security policy. Startup-fatal.
func NewPolicyError(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypePolicy, Message: message}
}

// NewAuthError reports a missing or invalid bearer token.
func NewAuthError(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeAuth, Message: message, StatusCode: http.StatusUnauthorized}
}

// NewValidationError reports a malformed request. No provider call is made.
func NewValidationError(message string, err error) *GatewayError {
	return &GatewayError{Type: ErrorTypeValidation, Message: message, StatusCode: http.StatusBadRequest, Err: err}
}

// NewCapacityError reports that the streaming-session bound is met.
func NewCapacityError(message string) *GatewayError {
	return &GatewayError{Type: ErrorTypeCapacity, Message: message, StatusCode: http.StatusTooManyRequests}
}

// NewProviderError reports an upstream failure.
func NewProviderError(statusCode int, message string, err error) *GatewayError {
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &GatewayError{Type: ErrorTypeProvider, Message: message, StatusCode: statusCode, Err: err}
}

// NewCancelledError reports a client disconnect mid-call.
func NewCancelledError(err error) *GatewayError {
	return &GatewayError{Type: ErrorTypeCancelled, Message: "client disconnected", Err: err}
}

// ParseProviderError maps an upstream error response body onto a GatewayError.
func ParseProviderError(statusCode int, body []byte, cause error) *GatewayError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &GatewayError{Type: ErrorTypeProvider, Message: message, StatusCode: http.StatusBadGateway, Err: cause}
	case statusCode >= 400 && statusCode < 500:
		return &GatewayError{Type: ErrorTypeValidation, Message: message, StatusCode: statusCode, Err: cause}
	default:
		return NewProviderError(http.StatusBadGateway, message, cause)
	}
}
