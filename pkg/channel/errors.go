package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated rejects requests issued before auth:success.
	ErrNotAuthenticated = errors.New("channel: not authenticated")
	// ErrRequestTimeout is synthesized when no response arrives in time.
	// Per-call and recoverable; the caller may retry.
	ErrRequestTimeout = errors.New("channel: request timed out")
	// ErrDisconnected fails every outstanding call and transfer when the
	// socket drops.
	ErrDisconnected = errors.New("channel: connection closed")
	// ErrTransferCancelled marks a user- or system-initiated cancel. Not a
	// failure.
	ErrTransferCancelled = errors.New("channel: transfer cancelled")
)

// AuthError is terminal for the connection.
type AuthError struct{ Reason string }

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "channel: authentication failed"
	}
	return "channel: authentication failed: " + e.Reason
}

// RequestError carries a server-reported ok:false message, surfaced verbatim.
type RequestError struct {
	Action  string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("channel: %s failed: %s", e.Action, e.Message)
}
