package errors

import (
	"fmt"
)

// ErrorCode represents the category of a relay error
type ErrorCode string

const (
	// ErrCodeTransientNetwork indicates an RPC or network failure that may succeed on retry
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeReorg indicates the source transaction was reorganized away
	ErrCodeReorg ErrorCode = "REORG"

	// ErrCodeDuplicateEvent indicates the event was already recorded
	ErrCodeDuplicateEvent ErrorCode = "DUPLICATE_EVENT"

	// ErrCodeWrongDestination indicates the event targets another destination chain
	ErrCodeWrongDestination ErrorCode = "WRONG_DESTINATION"

	// ErrCodeTransientSend indicates a broadcast failure that may succeed on retry
	ErrCodeTransientSend ErrorCode = "TRANSIENT_SEND"

	// ErrCodeTransientConfirm indicates confirmation polling failed or timed out
	ErrCodeTransientConfirm ErrorCode = "TRANSIENT_CONFIRM"

	// ErrCodeFatalSend indicates a broadcast failure that will never succeed without intervention
	ErrCodeFatalSend ErrorCode = "FATAL_SEND"

	// ErrCodeAlreadyExecuted indicates the unlock already happened on the destination chain
	ErrCodeAlreadyExecuted ErrorCode = "ALREADY_EXECUTED"

	// ErrCodeStateConflict indicates a compare-and-transition precondition failed
	ErrCodeStateConflict ErrorCode = "STATE_CONFLICT"

	// ErrCodeNotFound indicates a record lookup found nothing
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidTransition indicates a transition not permitted by the state machine
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeDatabase indicates the store is unavailable or failed
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeDecode indicates a raw event could not be normalized
	ErrCodeDecode ErrorCode = "DECODE"

	// ErrCodeInternal indicates internal invariant violations
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// RelayError is the error type shared by the relay pipeline
type RelayError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Chain    string                 `json:"chain,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// New creates a new RelayError
func New(code ErrorCode, chain, message string, cause error) *RelayError {
	return &RelayError{
		Code:     code,
		Message:  message,
		Chain:    chain,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *RelayError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Chain != "" {
		prefix = fmt.Sprintf("[%s:%s]", e.Chain, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *RelayError) WithContext(key string, value interface{}) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether a record hitting this error stays eligible for retry
func (e *RelayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransientNetwork, ErrCodeTransientSend, ErrCodeTransientConfirm:
		return true
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal, ErrCodeDatabase:
		return SeverityCritical
	case ErrCodeFatalSend, ErrCodeConfig, ErrCodeInvalidTransition:
		return SeverityHigh
	case ErrCodeTransientNetwork, ErrCodeTransientSend, ErrCodeTransientConfirm, ErrCodeDecode:
		return SeverityMedium
	case ErrCodeStateConflict, ErrCodeReorg, ErrCodeWrongDestination:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// NewTransientNetworkError creates a transient network error
func NewTransientNetworkError(chain, message string, cause error) *RelayError {
	return New(ErrCodeTransientNetwork, chain, message, cause)
}

// NewTransientSendError creates a transient broadcast error
func NewTransientSendError(chain, message string, cause error) *RelayError {
	return New(ErrCodeTransientSend, chain, message, cause)
}

// NewTransientConfirmError creates a transient confirmation error
func NewTransientConfirmError(chain, message string, cause error) *RelayError {
	return New(ErrCodeTransientConfirm, chain, message, cause)
}

// NewFatalSendError creates a fatal broadcast error
func NewFatalSendError(chain, message string, cause error) *RelayError {
	return New(ErrCodeFatalSend, chain, message, cause)
}

// NewAlreadyExecutedError signals that the destination already processed the unlock
func NewAlreadyExecutedError(chain, message string, cause error) *RelayError {
	return New(ErrCodeAlreadyExecuted, chain, message, cause)
}

// NewStateConflictError creates a state conflict error
func NewStateConflictError(key, message string) *RelayError {
	return New(ErrCodeStateConflict, "", message, nil).WithContext("key", key)
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(key string) *RelayError {
	return New(ErrCodeNotFound, "", "relay record not found", nil).WithContext("key", key)
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string, cause error) *RelayError {
	return New(ErrCodeDatabase, "", message, cause)
}

// NewConfigError creates a configuration error
func NewConfigError(message string) *RelayError {
	return New(ErrCodeConfig, "", message, nil)
}

// NewDecodeError creates a decode error
func NewDecodeError(chain, message string, cause error) *RelayError {
	return New(ErrCodeDecode, chain, message, cause)
}
