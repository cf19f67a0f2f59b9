package models

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode string

const (
	// Connection errors
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeSendFailed         ErrorCode = "SEND_FAILED"
	CodeChallengeExpired   ErrorCode = "CHALLENGE_EXPIRED"
	CodeTerminalDisconnect ErrorCode = "TERMINAL_DISCONNECT"
	CodeCodec              ErrorCode = "CODEC"

	// Storage and booking errors
	CodeStorage  ErrorCode = "STORAGE"
	CodeConflict ErrorCode = "CONFLICT"
	CodeNotFound ErrorCode = "NOT_FOUND"

	// Conversation errors
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"

	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error.
type AppError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Retryable bool      `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors, compared by code.
var (
	ErrNotConnected       = &AppError{Code: CodeNotConnected, Message: "tenant is not connected", Retryable: true}
	ErrSendFailed         = &AppError{Code: CodeSendFailed, Message: "transport failed to send message"}
	ErrChallengeExpired   = &AppError{Code: CodeChallengeExpired, Message: "challenge expired, connect again"}
	ErrTerminalDisconnect = &AppError{Code: CodeTerminalDisconnect, Message: "session ended and will not reconnect"}
	ErrCodec              = &AppError{Code: CodeCodec, Message: "unparseable protocol message"}
	ErrStorage            = &AppError{Code: CodeStorage, Message: "storage failure", Retryable: true}
	ErrConflict           = &AppError{Code: CodeConflict, Message: "slot is no longer available"}
	ErrNotFound           = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrInvalidTransition  = &AppError{Code: CodeInvalidTransition, Message: "transition not allowed"}
	ErrInvalidInput       = &AppError{Code: CodeInvalidInput, Message: "invalid input"}
)

// NewError creates a new AppError.
func NewError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// WrapRetryable wraps an error and marks it as retryable.
func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err, Retryable: true}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
