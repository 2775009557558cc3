package rest

import (
	"errors"
	"fmt"
)

// AuthError means the session token was rejected. Never retried silently;
// the surrounding application must force re-authentication.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth rejected (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("auth rejected (%d)", e.Status)
}

// FetchError is any non-auth REST failure: transport error or unexpected
// status. No internal retry; the caller decides.
type FetchError struct {
	Op     string
	Status int // 0 on transport errors
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
