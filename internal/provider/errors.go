package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures so callers can decide between
// stopping automatic retries and waiting for the next tick.
type ErrorKind int

const (
	// KindCredential covers expired or revoked tokens. The account needs a
	// user reconnect; automatic retries stop.
	KindCredential ErrorKind = iota
	// KindTransient covers network errors, rate limits and provider
	// timeouts. The next scheduled tick retries.
	KindTransient
	// KindVerification covers malformed or unauthenticated input rejected
	// at the boundary.
	KindVerification
)

var (
	ErrTokenExpired        = errors.New("access token expired")
	ErrTokenRevoked        = errors.New("refresh token revoked")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NewCredentialError(msg string, err error) *Error {
	return &Error{Kind: KindCredential, Message: msg, Err: err}
}

func NewTransientError(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// IsCredentialError reports whether err means the stored credential is no
// longer usable and the account requires a reconnect.
func IsCredentialError(err error) bool {
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenRevoked) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindCredential
}

// IsTransient reports whether err should be retried on a later tick without
// touching account state.
func IsTransient(err error) bool {
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransient
}
