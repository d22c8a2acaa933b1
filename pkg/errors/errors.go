// Package errors defines structured error types for the keyagent protocols.
// Every error carries a code and a category so callers can tell transport failures
// (retryable) from protocol failures, key constraint violations and name conflicts.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/turtacn/keyagent/pkg/constants"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// AgentError represents a structured error with additional metadata
type AgentError interface {
	error

	// Code returns the error code
	Code() constants.ErrorCode

	// Category returns the class of the error
	Category() constants.ErrorCategory

	// HTTPStatus returns the status used when the error is reported over the local API
	HTTPStatus() int

	// Retryable reports whether the caller may retry the operation unchanged
	Retryable() bool

	// Description returns a human-readable description
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) AgentError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) AgentError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	code        constants.ErrorCode
	category    constants.ErrorCategory
	httpStatus  int
	description string
	message     string
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.description
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *baseError) Code() constants.ErrorCode { return e.code }

func (e *baseError) Category() constants.ErrorCategory { return e.category }

func (e *baseError) HTTPStatus() int { return e.httpStatus }

func (e *baseError) Retryable() bool { return e.category == constants.CategoryTransport }

func (e *baseError) Description() string { return e.description }

func (e *baseError) Unwrap() error { return e.cause }

// WithCause adds a cause error to the error chain
func (e *baseError) WithCause(cause error) AgentError {
	e.cause = cause
	return e
}

// WithMetadata adds additional context metadata
func (e *baseError) WithMetadata(key string, value interface{}) AgentError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// Metadata returns all metadata
func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// Is matches another AgentError by code, so errors.Is(err, ErrKeyNotFound("")) works.
func (e *baseError) Is(target error) bool {
	var other *baseError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.code == e.code
}

// ================================================================================
// Error Constructor
// ================================================================================

// NewError creates a new AgentError with the specified parameters
func NewError(code constants.ErrorCode, description string, message string) AgentError {
	return &baseError{
		code:        code,
		category:    categoryOf(code),
		httpStatus:  statusOf(code),
		description: description,
		message:     message,
		metadata:    make(map[string]interface{}),
	}
}

func categoryOf(code constants.ErrorCode) constants.ErrorCategory {
	switch code {
	case constants.ErrCodeGatewayUnavailable, constants.ErrCodeTransport:
		return constants.CategoryTransport
	case constants.ErrCodeInvalidSignature, constants.ErrCodeRequestRejected,
		constants.ErrCodeDeviceNotAuthorized, constants.ErrCodeSyncFailed:
		return constants.CategoryProtocol
	case constants.ErrCodeKeyUnusable, constants.ErrCodeKeyTimedOut, constants.ErrCodeKeyNotFound:
		return constants.CategoryKeyUnusable
	case constants.ErrCodeDeviceNameConflict:
		return constants.CategoryConflict
	case constants.ErrCodeInvalidRequest, constants.ErrCodeNotFound:
		return constants.CategoryValidation
	default:
		return constants.CategoryInternal
	}
}

func statusOf(code constants.ErrorCode) int {
	switch code {
	case constants.ErrCodeGatewayUnavailable, constants.ErrCodeTransport:
		return http.StatusServiceUnavailable
	case constants.ErrCodeInvalidSignature, constants.ErrCodeRequestRejected, constants.ErrCodeSyncFailed:
		return http.StatusBadGateway
	case constants.ErrCodeDeviceNotAuthorized:
		return http.StatusUnauthorized
	case constants.ErrCodeKeyUnusable, constants.ErrCodeKeyTimedOut:
		return http.StatusForbidden
	case constants.ErrCodeKeyNotFound, constants.ErrCodeNotFound:
		return http.StatusNotFound
	case constants.ErrCodeDeviceNameConflict:
		return http.StatusConflict
	case constants.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ================================================================================
// Predefined Error Constructors
// ================================================================================

// ErrGatewayUnavailable reports that the gateway liveness probe failed
func ErrGatewayUnavailable(message string) AgentError {
	return NewError(constants.ErrCodeGatewayUnavailable, "Authentication gateway is not available!", message)
}

// ErrTransport reports a network failure against a remote API
func ErrTransport(endpoint string, cause error) AgentError {
	return NewError(constants.ErrCodeTransport, "Remote service could not be reached", fmt.Sprintf("request to %s failed", endpoint)).
		WithCause(cause).
		WithMetadata("endpoint", endpoint)
}

// ErrInvalidSignature reports a failed signature or token verification
func ErrInvalidSignature(message string) AgentError {
	return NewError(constants.ErrCodeInvalidSignature, "Invalid signature in authorization response", message)
}

// ErrRequestRejected reports a success=false envelope from the gateway
func ErrRequestRejected(endpoint, message string) AgentError {
	return NewError(constants.ErrCodeRequestRejected, "Remote response returned unknown failure", message).
		WithMetadata("endpoint", endpoint)
}

// ErrDeviceNotAuthorized reports that no paired device is available or the gateway refused it
func ErrDeviceNotAuthorized(message string) AgentError {
	return NewError(constants.ErrCodeDeviceNotAuthorized, constants.MsgDeviceNotAllowed, message)
}

// ErrSyncFailed reports a failed key-management domain call
func ErrSyncFailed(operation string, message string) AgentError {
	return NewError(constants.ErrCodeSyncFailed, "Key synchronization failed", fmt.Sprintf("%s: %s", operation, message)).
		WithMetadata("operation", operation)
}

// ErrKeyCannotBeUsed reports a constraint violation
func ErrKeyCannotBeUsed(fingerprint string) AgentError {
	return NewError(constants.ErrCodeKeyUnusable, "Key cannot be used", fmt.Sprintf("key %s cannot be used", fingerprint)).
		WithMetadata("fingerprint", fingerprint)
}

// ErrKeyTimedOut reports an expired key lifetime or idle window
func ErrKeyTimedOut(fingerprint string) AgentError {
	return NewError(constants.ErrCodeKeyTimedOut, "Key has timed out", fmt.Sprintf("key %s has timed out", fingerprint)).
		WithMetadata("fingerprint", fingerprint)
}

// ErrKeyNotFound reports a key unknown to every backend
func ErrKeyNotFound(fingerprint string) AgentError {
	return NewError(constants.ErrCodeKeyNotFound, "Key not in store", fmt.Sprintf("key %s not in store", fingerprint)).
		WithMetadata("fingerprint", fingerprint)
}

// ErrDeviceNameConflict reports that a device name is already registered for the account
func ErrDeviceNameConflict(deviceName string) AgentError {
	return NewError(constants.ErrCodeDeviceNameConflict, "Device name already exists",
		fmt.Sprintf("You already have a device named %s", deviceName)).
		WithMetadata("device_name", deviceName)
}

// ErrInvalidRequest creates an invalid_request error
func ErrInvalidRequest(message string) AgentError {
	return NewError(constants.ErrCodeInvalidRequest, "The request is missing a required parameter or is malformed.", message)
}

// ErrNotFound creates a not_found error
func ErrNotFound(resource string) AgentError {
	return NewError(constants.ErrCodeNotFound, "Resource not found", fmt.Sprintf("%s not found", resource))
}

// ErrInternal creates an internal_error
func ErrInternal(message string) AgentError {
	return NewError(constants.ErrCodeInternal, "Internal error", message)
}

// ================================================================================
// Helpers
// ================================================================================

// AsAgentError extracts an AgentError from an error chain
func AsAgentError(err error) (AgentError, bool) {
	var agentErr AgentError
	if stderrors.As(err, &agentErr) {
		return agentErr, true
	}
	return nil, false
}

// WrapError wraps a generic error into an AgentError
func WrapError(err error, code constants.ErrorCode, message string) AgentError {
	return NewError(code, message, message).WithCause(err)
}

// CategoryOf returns the category of err, or CategoryInternal for unstructured errors
func CategoryOf(err error) constants.ErrorCategory {
	if agentErr, ok := AsAgentError(err); ok {
		return agentErr.Category()
	}
	return constants.CategoryInternal
}

// IsTransport reports whether err is a retryable transport failure
func IsTransport(err error) bool {
	return err != nil && CategoryOf(err) == constants.CategoryTransport
}

// IsProtocol reports whether err is a protocol or signature failure
func IsProtocol(err error) bool {
	return err != nil && CategoryOf(err) == constants.CategoryProtocol
}

// IsKeyUnusable reports whether err is a key constraint violation
func IsKeyUnusable(err error) bool {
	return err != nil && CategoryOf(err) == constants.CategoryKeyUnusable
}

// IsConflict reports whether err is a device name conflict
func IsConflict(err error) bool {
	return err != nil && CategoryOf(err) == constants.CategoryConflict
}

// HasCode reports whether err carries the given code
func HasCode(err error, code constants.ErrorCode) bool {
	if agentErr, ok := AsAgentError(err); ok {
		return agentErr.Code() == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status for err
func GetHTTPStatus(err error) int {
	if agentErr, ok := AsAgentError(err); ok {
		return agentErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
