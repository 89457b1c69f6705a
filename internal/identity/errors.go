package identity

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by identity stores when the claimed record does
// not exist.
var ErrNotFound = errors.New("identity: not found")

// AuthCode classifies why a connection attempt was rejected.
type AuthCode int

const (
	MissingCredential AuthCode = iota + 1
	InvalidCredential
	IdentityNotFound
)

func (c AuthCode) String() string {
	switch c {
	case MissingCredential:
		return "missing_credential"
	case InvalidCredential:
		return "invalid_credential"
	case IdentityNotFound:
		return "identity_not_found"
	default:
		return "unknown"
	}
}

// AuthError is fatal to a connection attempt. It is never retried.
type AuthError struct {
	Code AuthCode
	Kind Kind // claimed kind, set for IdentityNotFound
	Err  error
}

// Reason returns the human-readable rejection string sent to the client.
func (e *AuthError) Reason() string {
	switch e.Code {
	case MissingCredential:
		return "No token"
	case IdentityNotFound:
		if e.Kind == KindTherapist {
			return "Therapist not found"
		}
		return "User not found"
	default:
		return "Invalid token"
	}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: %s: %v", e.Code, e.Err)
	}
	return "identity: " + e.Code.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// AsAuthError extracts an *AuthError from err.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
