package connection

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send while the transport is down.
// Outbound traffic is never queued: messages must go through the REST
// collaborator instead, where peers pick them up on their own fetch.
var ErrNotConnected = errors.New("not connected")

// AuthError means the server rejected the session token during the
// connection handshake. Not retried; the surrounding application must
// re-authenticate.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "handshake auth rejected"
	}
	return "handshake auth rejected: " + e.Message
}

// NetworkError wraps transport-level failures (endpoint unreachable,
// dial timeout, broken connection).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }
