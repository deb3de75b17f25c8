// Package errors provides standardized error codes for the activator.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (transport, activation,
//     payload, server, gate, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by callers (CLI, status feed
// consumers) for programmatic error handling. Human-readable messages are
// provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that callers can rely on for error handling.
const (
	// Transport domain - device transport service errors
	CodeTransportConnectFailed = "transport.connect_failed" // Could not reach the device
	CodeTransportPushFailed    = "transport.push_failed"    // File transfer to device failed
	CodeTransportQueryFailed   = "transport.query_failed"   // Property or flag query failed
	CodeTransportRestartFailed = "transport.restart_failed" // Restart command failed

	// Activation domain - orchestration outcomes
	CodeActivationTimeout   = "activation.timeout"   // Device did not reconnect in time
	CodeActivationRejected  = "activation.rejected"  // Readiness flag explicitly false
	CodeActivationExhausted = "activation.exhausted" // All retry attempts failed

	// Payload domain - payload patching errors
	CodePayloadCopyFailed  = "payload.copy_failed"  // Copying the source payload failed
	CodePayloadPatchFailed = "payload.patch_failed" // Rewriting the payload copy failed

	// Server domain - local activation server errors
	CodeServerBindFailed      = "server.bind_failed"      // Port unavailable
	CodeServerRequestRejected = "server.request_rejected" // Malformed or unsafe request

	// Gate domain - device allow-list gating
	CodeGateUnsupportedDevice  = "gate.unsupported_device"  // Product type not on the allow-list
	CodeGateUnsupportedVersion = "gate.unsupported_version" // OS version not on the allow-list

	// Storage domain - audit database errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "activation.timeout")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client-facing output.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// ConnectFailed creates a "transport.connect_failed" error.
func ConnectFailed(cause error) *CodedError {
	return Wrap(CodeTransportConnectFailed, "could not connect to the device", cause)
}

// PushFailed creates a "transport.push_failed" error.
func PushFailed(remotePath string, cause error) *CodedError {
	msg := fmt.Sprintf("failed to push file to %s", remotePath)
	return Wrap(CodeTransportPushFailed, msg, cause)
}

// QueryFailed creates a "transport.query_failed" error.
func QueryFailed(key string, cause error) *CodedError {
	msg := fmt.Sprintf("failed to query %s", key)
	return Wrap(CodeTransportQueryFailed, msg, cause)
}

// RestartFailed creates a "transport.restart_failed" error.
func RestartFailed(cause error) *CodedError {
	return Wrap(CodeTransportRestartFailed, "failed to restart the device", cause)
}

// ReconnectTimeout creates an "activation.timeout" error.
// This is fatal to the whole orchestration, not just the current attempt.
func ReconnectTimeout(waited string) *CodedError {
	msg := fmt.Sprintf("device did not reconnect within %s", waited)
	return New(CodeActivationTimeout, msg)
}

// ActivationRejected creates an "activation.rejected" error.
// This indicates the readiness flag came back explicitly false.
func ActivationRejected(attempt, total int) *CodedError {
	msg := fmt.Sprintf("activation rejected on attempt %d/%d", attempt, total)
	return New(CodeActivationRejected, msg)
}

// ActivationExhausted creates an "activation.exhausted" error.
// This indicates every attempt in the budget was rejected.
func ActivationExhausted(total int) *CodedError {
	msg := fmt.Sprintf("activation failed after %d attempts", total)
	return New(CodeActivationExhausted, msg)
}

// PatchFailed creates a "payload.patch_failed" error.
func PatchFailed(message string, cause error) *CodedError {
	return Wrap(CodePayloadPatchFailed, message, cause)
}

// CopyFailed creates a "payload.copy_failed" error.
func CopyFailed(path string, cause error) *CodedError {
	msg := fmt.Sprintf("failed to copy payload %s", path)
	return Wrap(CodePayloadCopyFailed, msg, cause)
}

// BindFailed creates a "server.bind_failed" error.
func BindFailed(addr string, cause error) *CodedError {
	msg := fmt.Sprintf("failed to bind activation server on %s", addr)
	return Wrap(CodeServerBindFailed, msg, cause)
}

// UnsupportedDevice creates a "gate.unsupported_device" error.
func UnsupportedDevice(productType string) *CodedError {
	msg := fmt.Sprintf("unsupported device: %s", productType)
	return New(CodeGateUnsupportedDevice, msg)
}

// UnsupportedVersion creates a "gate.unsupported_version" error.
func UnsupportedVersion(productVersion string) *CodedError {
	msg := fmt.Sprintf("unsupported OS version: %s", productVersion)
	return New(CodeGateUnsupportedVersion, msg)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
