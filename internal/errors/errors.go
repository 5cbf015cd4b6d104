package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Mneme error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"      // 400
	ErrInvalidTurnData     ErrorCode = "INVALID_TURN_DATA"    // 400
	ErrSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"    // 404
	ErrFileNotFound        ErrorCode = "FILE_NOT_FOUND"       // 404
	ErrPersistenceFailed   ErrorCode = "PERSISTENCE_FAILED"   // 500
	ErrInternal            ErrorCode = "INTERNAL"             // 500
	ErrSummarizationFailed ErrorCode = "SUMMARIZATION_FAILED" // 502 (recovered internally)
	ErrCompactionTimeout   ErrorCode = "COMPACTION_TIMEOUT"   // 504 (recovered internally)
)

// MnemeError represents a structured error with code, status, and details.
type MnemeError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *MnemeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *MnemeError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *MnemeError {
	return &MnemeError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidTurnData creates a 400 error for a turn that fails validation.
func NewInvalidTurnData(field, msg string) *MnemeError {
	return &MnemeError{
		Code:    ErrInvalidTurnData,
		Status:  400,
		Message: fmt.Sprintf("invalid %s: %s", field, msg),
		Details: map[string]any{"field": field},
	}
}

// NewSessionNotFound creates a 404 error for an unknown or expired session.
func NewSessionNotFound(sessionID string) *MnemeError {
	return &MnemeError{
		Code:    ErrSessionNotFound,
		Status:  404,
		Message: fmt.Sprintf("session not found: %s", sessionID),
		Details: map[string]any{"session_id": sessionID},
	}
}

// NewFileNotFound creates a 404 error for a missing transcript file.
func NewFileNotFound(path string) *MnemeError {
	return &MnemeError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewSummarizationFailed wraps a failure of the summarization capability.
func NewSummarizationFailed(err error) *MnemeError {
	return &MnemeError{
		Code:    ErrSummarizationFailed,
		Status:  502,
		Message: causeMessage("summarization failed", err),
		cause:   err,
	}
}

// NewCompactionTimeout reports a background compaction that did not finish in time.
func NewCompactionTimeout(sessionID string, seconds float64) *MnemeError {
	return &MnemeError{
		Code:    ErrCompactionTimeout,
		Status:  504,
		Message: fmt.Sprintf("background compaction for %s exceeded %.1fs", sessionID, seconds),
		Details: map[string]any{"session_id": sessionID, "timeout_seconds": seconds},
	}
}

// NewPersistenceFailed wraps a storage error.
func NewPersistenceFailed(op string, err error) *MnemeError {
	return &MnemeError{
		Code:    ErrPersistenceFailed,
		Status:  500,
		Message: causeMessage(op+" failed", err),
		Details: map[string]any{"op": op},
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *MnemeError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &MnemeError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

func causeMessage(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	return prefix + ": " + err.Error()
}

// Is checks if an error is (or wraps) a MnemeError with the given code.
func Is(err error, code ErrorCode) bool {
	var mErr *MnemeError
	if stderrors.As(err, &mErr) {
		return mErr.Code == code
	}
	return false
}

// As returns err as a *MnemeError, converting unknown errors to INTERNAL.
func As(err error) *MnemeError {
	var mErr *MnemeError
	if stderrors.As(err, &mErr) {
		return mErr
	}
	return NewInternal(err)
}
