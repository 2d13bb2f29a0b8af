package vynqtalk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrNotConnected is returned by realtime publish operations outside the Connected state.
	ErrNotConnected = errors.New("vynqtalk: realtime session not connected")
	// ErrConnectionExhausted is the cause attached to a logout forced by the reconnect ceiling.
	ErrConnectionExhausted = errors.New("vynqtalk: realtime reconnect attempts exhausted")
	// ErrClientClosed is returned after Client.Shutdown.
	ErrClientClosed = errors.New("vynqtalk: client closed")
)

// AuthReason identifies why an authentication step failed.
type AuthReason string

const (
	AuthMissingToken     AuthReason = "missing_token"
	AuthRefreshExhausted AuthReason = "refresh_exhausted"
	AuthRefreshRejected  AuthReason = "refresh_rejected"
)

// AuthError is always followed by a forced logout.
type AuthError struct {
	Reason AuthReason
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := "auth error: " + string(e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a transport failure that may succeed if retried later.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is a request that did not complete within the configured deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// ParseError reports a payload that could not be decoded.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Source, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a caller precondition that was not met. No network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return "validation: " + e.Field + ": " + e.Message
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err carries an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err is transient. Auth, validation and parse failures are not.
func IsRetryable(err error) bool {
	var ne *NetworkError
	var te *TimeoutError
	if errors.As(err, &ne) || errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == 429
	}
	return false
}

// normalizeTransportErr maps errors from http.Client.Do into NetworkError or TimeoutError.
func normalizeTransportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &NetworkError{Op: op, Err: err}
}
