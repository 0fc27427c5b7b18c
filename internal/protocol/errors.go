package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Code is the closed set of error codes surfaced to callers.
type Code string

const (
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeRequestTimeout         Code = "REQUEST_TIMEOUT"
	CodeAlreadyInProgress      Code = "ALREADY_IN_PROGRESS"
	CodeNoWalletDetected       Code = "NO_WALLET_DETECTED"
	CodeWalletConnectionFailed Code = "WALLET_CONNECTION_FAILED"
	CodeUserRejected           Code = "USER_REJECTED"
	CodeSigningFailed          Code = "SIGNING_FAILED"
	CodeSessionStorageFailed   Code = "SESSION_STORAGE_FAILED"
	CodeUnauthorizedSender     Code = "UNAUTHORIZED_SENDER"
	CodeUnknown                Code = "UNKNOWN_ERROR"
)

var defaultMessages = map[Code]string{
	CodeInvalidRequest:         "invalid request",
	CodeRequestTimeout:         "request timed out",
	CodeAlreadyInProgress:      "operation already in progress",
	CodeNoWalletDetected:       "no wallet detected",
	CodeWalletConnectionFailed: "wallet connection failed",
	CodeUserRejected:           "user rejected the request",
	CodeSigningFailed:          "signing failed",
	CodeSessionStorageFailed:   "session storage failed",
	CodeUnauthorizedSender:     "unauthorized sender",
	CodeUnknown:                "internal error",
}

// Error is an error tagged with a protocol code. It wraps an optional cause
// so errors.Is/As keep working through it.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Known reports whether c belongs to the closed code set.
func (c Code) Known() bool {
	_, ok := defaultMessages[c]
	return ok
}

// NewError returns a coded error. An empty message falls back to the code's
// default text.
func NewError(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	return &Error{Code: code, Message: message}
}

// Errorf returns a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with code. A nil cause yields a plain coded error.
func Wrap(code Code, cause error) *Error {
	e := NewError(code, "")
	if cause != nil {
		e.Message = cause.Error()
		e.Cause = cause
	}
	return e
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Sentinel errors usable with errors.Is.
var (
	ErrAlreadyInProgress = NewError(CodeAlreadyInProgress, "")
	ErrUserRejected      = NewError(CodeUserRejected, "")
	ErrNoWallet          = NewError(CodeNoWalletDetected, "")
	ErrTimeout           = NewError(CodeRequestTimeout, "")
	ErrUnauthorized      = NewError(CodeUnauthorizedSender, "")
)

// CodeOf maps any error onto the closed code set. Deadline errors become
// REQUEST_TIMEOUT; anything unrecognised becomes UNKNOWN_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeRequestTimeout
	}
	return CodeUnknown
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return defaultMessages[CodeRequestTimeout]
	}
	return err.Error()
}

// NewErrorResponse builds the structured error reply for err.
func NewErrorResponse(err error, originalType, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Type:         TypeError,
		Success:      false,
		Code:         CodeOf(err),
		Message:      MessageOf(err),
		OriginalType: originalType,
		RequestID:    requestID,
	}
}
