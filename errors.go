package sshmux

import (
	"errors"
	"fmt"
)

// Common errors for the protocol engine
var (
	// ErrTimeout indicates a deadline elapsed; the operation may be retried
	ErrTimeout = errors.New("operation timed out")

	// ErrWouldBlock indicates a nonblocking operation had nothing to do
	ErrWouldBlock = errors.New("operation would block")

	// ErrInterrupted indicates a wait was cancelled; the operation may be retried
	ErrInterrupted = errors.New("wait interrupted")

	// ErrSessionDead indicates the session is in the terminal error state
	ErrSessionDead = errors.New("session is dead")

	// ErrNotConnected indicates the session has no established transport
	ErrNotConnected = errors.New("session not connected")

	// ErrNotAuthenticated indicates the operation requires completed authentication
	ErrNotAuthenticated = errors.New("session not authenticated")

	// ErrRequestPending indicates a request is already in flight on this scope
	ErrRequestPending = errors.New("request already pending")

	// ErrRequestDenied indicates the peer refused a request; the session remains usable
	ErrRequestDenied = errors.New("request denied by peer")

	// ErrOpenDenied indicates the peer refused a channel open
	ErrOpenDenied = errors.New("channel open denied by peer")

	// ErrChannelNotOpen indicates the channel is not in the open state
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrChannelEOF indicates local EOF was already sent on the channel
	ErrChannelEOF = errors.New("EOF already sent on channel")

	// ErrAuthFailed indicates the peer rejected the authentication attempt
	ErrAuthFailed = errors.New("authentication failed")

	// ErrHostKeyRejected indicates the host-key verification callback refused the key
	ErrHostKeyRejected = errors.New("host key rejected")

	// ErrKexFailure indicates algorithm negotiation found no common algorithm
	ErrKexFailure = errors.New("key exchange negotiation failed")

	// ErrProtocol indicates a protocol violation by the peer; always session-fatal
	ErrProtocol = errors.New("protocol violation")
)

// ProtocolError wraps an error with the operation that produced it.
type ProtocolError struct {
	Op  string // operation that caused the error
	Err error  // underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// newProtocolError creates a new ProtocolError.
func newProtocolError(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}
