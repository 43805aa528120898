// Package errors provides structured error types for the chat gateway.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionInactive  = errors.New("session not active")
	ErrTimeout          = errors.New("operation timed out")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrInvalidInput     = errors.New("invalid input")
	ErrLoggedOut        = errors.New("session logged out")
	ErrTransportClosed  = errors.New("transport closed")
	ErrUnavailable      = errors.New("service unavailable")
)

// TransportError represents a failure reported by the transport collaborator.
type TransportError struct {
	Op         string // "connect", "send", "presence", "logout"
	SessionID  string
	StatusCode int // provider status code, 0 if unknown
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s failed (session %s, status %d): %v", e.Op, e.SessionID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s failed (session %s, status %d)", e.Op, e.SessionID, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError creates a new transport error.
func NewTransportError(op, sessionID string, statusCode int, err error) *TransportError {
	return &TransportError{Op: op, SessionID: sessionID, StatusCode: statusCode, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		switch te.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsProviderRisk reports whether the error looks like a provider abuse
// signal (account blocked, unauthorized, or throttled). Such errors
// escalate a session-wide pause rather than a plain retry.
func IsProviderRisk(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "blocked") ||
		strings.Contains(msg, "429")
}
