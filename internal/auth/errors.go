package auth

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenNotFound  = errors.New("auth: token not found")
	ErrAlreadyRotated = errors.New("auth: token already rotated")
	ErrNotFound       = errors.New("auth: not found")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrTransientStore = errors.New("auth: store unavailable")
)

// Auth failure reasons carried by AuthError.
const (
	ReasonInvalid        = "invalid"
	ReasonExpired        = "expired"
	ReasonNotFound       = "not_found"
	ReasonAlreadyRotated = "already_rotated"
)

// AuthError reports why a credential was refused.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: credential " + e.Reason
}

// Is maps the reason onto its sentinel.
func (e *AuthError) Is(target error) bool {
	switch e.Reason {
	case ReasonInvalid:
		return target == ErrInvalidToken
	case ReasonExpired:
		return target == ErrTokenExpired
	case ReasonNotFound:
		return target == ErrTokenNotFound
	case ReasonAlreadyRotated:
		return target == ErrAlreadyRotated
	}
	return false
}

func authErr(reason string) error {
	return &AuthError{Reason: reason}
}

// ValidationError is malformed caller input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("auth: invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// NotFoundError is an unknown id on an explicit lookup.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("auth: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientStoreError wraps a cache or database failure.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransientStore }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var tse *TransientStoreError
	if errors.As(err, &tse) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// ReplayWarning marks a refresh token presented again inside the replay
// window. It is logged and audited, never returned to callers.
type ReplayWarning struct {
	TokenID string
	UserID  string
}

func (w *ReplayWarning) Error() string {
	return fmt.Sprintf("auth: refresh token %s replayed", w.TokenID)
}
