package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTransient and ErrPermanent classify backend failures. Only transient
// errors are retried.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// StatusError is a non-2xx backend reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("api: unexpected status %d: %s", e.Status, e.Body)
}

// classifyStatus maps an HTTP status onto the retry classes: 5xx and 429 are
// transient, other 4xx permanent.
func classifyStatus(status int, body string) error {
	err := &StatusError{Status: status, Body: body}
	switch {
	case status >= 500, status == http.StatusTooManyRequests:
		return WrapTransient(err)
	default:
		return WrapPermanent(err)
	}
}

// classifyTransport wraps errors raised before a response was received:
// timeouts, refused or reset connections and DNS failures are all transient.
// Caller cancellation is passed through untouched.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return WrapTransient(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrPermanent)
}
