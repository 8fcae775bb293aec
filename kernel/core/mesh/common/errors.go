package common

import (
	"errors"
	"fmt"
)

// Error codes for sync engine operations
const (
	// Update validation errors
	ErrCodeDimensionMismatch = "DIMENSION_MISMATCH"
	ErrCodeInvalidValue      = "INVALID_VALUE"
	ErrCodeHashMismatch      = "HASH_MISMATCH"

	// Scheduling outcomes
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeRateLimited    = "RATE_LIMITED"

	// Topology errors
	ErrCodeNoReachablePeers = "NO_REACHABLE_PEERS"
	ErrCodePeerUnreachable  = "PEER_UNREACHABLE"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"

	// Wire errors
	ErrCodeMalformedMessage = "MALFORMED_MESSAGE"
	ErrCodeMessageTooLarge  = "MESSAGE_TOO_LARGE"
	ErrCodeDuplicateMessage = "DUPLICATE_MESSAGE"
)

// MeshError is a coded error with context. Two MeshErrors match under
// errors.Is when their codes are equal.
type MeshError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// Is matches any MeshError carrying the same code.
func (e *MeshError) Is(target error) bool {
	var other *MeshError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithContext adds context to the error
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewMeshError creates a new mesh error
func NewMeshError(code, message string) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with mesh error context
func WrapError(code, message string, cause error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is checks.
var (
	ErrDimensionMismatch = NewMeshError(ErrCodeDimensionMismatch, "dimension mismatch")
	ErrInvalidValue      = NewMeshError(ErrCodeInvalidValue, "invalid value")
	ErrHashMismatch      = NewMeshError(ErrCodeHashMismatch, "snapshot hash mismatch")
	ErrBudgetExceeded    = NewMeshError(ErrCodeBudgetExceeded, "bandwidth budget exceeded")
	ErrRateLimited       = NewMeshError(ErrCodeRateLimited, "rate limited")
	ErrNoReachablePeers  = NewMeshError(ErrCodeNoReachablePeers, "no reachable peers")
	ErrPeerUnreachable   = NewMeshError(ErrCodePeerUnreachable, "peer unreachable")
	ErrCircuitOpen       = NewMeshError(ErrCodeCircuitOpen, "circuit breaker open")
	ErrMalformedMessage  = NewMeshError(ErrCodeMalformedMessage, "malformed message")
	ErrMessageTooLarge   = NewMeshError(ErrCodeMessageTooLarge, "message too large")
	ErrDuplicateMessage  = NewMeshError(ErrCodeDuplicateMessage, "duplicate message")
)

// ErrorCode extracts the code of a MeshError anywhere in err's chain.
func ErrorCode(err error) string {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Common error constructors

func ErrDimension(expected, got int) *MeshError {
	return NewMeshError(ErrCodeDimensionMismatch, "dimension mismatch").
		WithContext("expected", expected).
		WithContext("got", got)
}

func ErrIndexOutOfRange(index uint32, dim int) *MeshError {
	return NewMeshError(ErrCodeDimensionMismatch, "update index out of range").
		WithContext("index", index).
		WithContext("dim", dim)
}

func ErrNonFinite(index uint32) *MeshError {
	return NewMeshError(ErrCodeInvalidValue, "non-finite value in update").
		WithContext("index", index)
}

func ErrBudget(kind string, used, limit int) *MeshError {
	return NewMeshError(ErrCodeBudgetExceeded, "bandwidth budget exceeded").
		WithContext("kind", kind).
		WithContext("used", used).
		WithContext("limit", limit)
}

func ErrNoPeers(known int) *MeshError {
	return NewMeshError(ErrCodeNoReachablePeers, "no reachable peers").
		WithContext("known", known)
}

func ErrMalformed(reason string, cause error) *MeshError {
	return WrapError(ErrCodeMalformedMessage, reason, cause)
}

func ErrUnreachable(peerID string, cause error) *MeshError {
	return WrapError(ErrCodePeerUnreachable, "peer unreachable", cause).
		WithContext("peer_id", peerID)
}
