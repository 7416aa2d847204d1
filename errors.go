package chatsync

import (
	"errors"
	"fmt"
)

// APIError is an error reported by the chat server, either in an invocation
// result or in a REST response body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ConnectionError reports that the duplex channel could not be opened or an
// invocation could not be delivered.
type ConnectionError struct {
	Op    string
	State ConnectionState
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: connection %s", e.Op, e.State)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError rejects a command before anything goes over the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// NotFoundError reports that a peer, host or conversation could not be
// resolved.
type NotFoundError struct {
	Resource string
	ID       int64
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// StaleResponseError marks a response that arrived after it stopped being
// relevant. Session commands discard it instead of returning it.
type StaleResponseError struct {
	ConversationID int64
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("stale response for conversation %d", e.ConversationID)
}

var (
	// ErrNotConnected is wrapped by ConnectionError when a call is rejected
	// because the channel is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrStillConnecting is returned by commands that require a live
	// connection while the channel is still being established.
	ErrStillConnecting = errors.New("still connecting, please try again in a moment")

	// ErrClosed is returned after the controller or session was closed.
	ErrClosed = errors.New("closed")
)

func notConnected(op string, state ConnectionState) error {
	return &ConnectionError{Op: op, State: state, Err: ErrNotConnected}
}

// IsStale reports whether err is a StaleResponseError.
func IsStale(err error) bool {
	var stale *StaleResponseError
	return errors.As(err, &stale)
}
