package gateway

import (
	"errors"
	"fmt"
)

// The three failure classes callers are expected to branch on. The gateway
// never retries; the polling engine retries by virtue of the next cycle and
// the dispatcher surfaces the failure to the user immediately.

// AuthError means the remote rejected the credentials or the token
// (401/403). Observing one mid-session must invalidate that session.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("authentication rejected (http %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("authentication rejected (http %d)", e.Status)
}

// UnavailableError covers timeouts, connection failures and 5xx. Transient:
// never invalidates a session.
type UnavailableError struct {
	Status int // 0 when the request never got a response
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote api unavailable: %v", e.Err)
	}
	return fmt.Sprintf("remote api unavailable (http %d)", e.Status)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedResponseError means the remote violated its own contract. Logged
// and surfaced as a generic failure; never fatal.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsMalformed reports whether err is (or wraps) a MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
