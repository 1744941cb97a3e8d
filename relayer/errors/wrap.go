package errors

import (
	"context"
	"errors"
	"strings"
)

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsCode checks if an error is a RelayError with the given code
func IsCode(err error, code ErrorCode) bool {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code == code
	}
	return false
}

// CodeOf returns the code of a RelayError, or ErrCodeInternal for anything else
func CodeOf(err error) ErrorCode {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if an error leaves a record eligible for retry.
// Errors that are not RelayErrors are classified by message, the way RPC
// libraries surface transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return IsTransientMessage(err.Error())
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"eof",
	"service unavailable",
	"bad gateway",
	"no such host",
}

// IsTransientMessage reports whether an error message looks like a transport failure
func IsTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
