package account

import (
	"errors"
	"fmt"
)

// Kind classifies account errors. The value is also the wire `code`.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindBotSuspected       Kind = "BOT_SUSPECTED"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindNotApproved        Kind = "NOT_APPROVED"
	KindAccountLocked      Kind = "ACCOUNT_LOCKED"
	KindAccountNotFound    Kind = "ACCOUNT_NOT_FOUND"
	KindStorage            Kind = "STORAGE_ERROR"
	KindDependency         Kind = "DEPENDENCY_ERROR"
)

// Error is returned by AccountService. Message is safe to show to the user;
// Err carries the internal cause and is never written to a response.
type Error struct {
	Kind      Kind
	Message   string
	FailCount int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can use the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// sentinel errors for errors.Is checks
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrBotSuspected       = &Error{Kind: KindBotSuspected}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrNotApproved        = &Error{Kind: KindNotApproved}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrAccountNotFound    = &Error{Kind: KindAccountNotFound}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrDependency         = &Error{Kind: KindDependency}
)

// KindOf returns the kind of err, or KindStorage for errors that did not come
// from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

const (
	msgServerError        = "a server error occurred, please try again later"
	msgServiceUnavailable = "a required service is unavailable, please try again later"
	msgBotSuspected       = "the request looks automated, please complete the challenge again"
	msgNotApproved        = "your account has not been approved by an administrator yet"
	msgLockedHint         = "the password was entered incorrectly 5 or more times; verify your identity to reset it"
)

func storageError(err error) *Error {
	return &Error{Kind: KindStorage, Message: msgServerError, Err: err}
}

func dependencyError(msg string, err error) *Error {
	if msg == "" {
		msg = msgServiceUnavailable
	}
	return &Error{Kind: KindDependency, Message: msg, Err: err}
}

func invalidCredentials(count int) *Error {
	msg := "invalid email or password"
	if count > 0 {
		msg = fmt.Sprintf("invalid email or password\nfailed attempts: %d\nthe account is locked after %d failed attempts", count, lockThreshold)
	}
	return &Error{Kind: KindInvalidCredentials, Message: msg, FailCount: count}
}

func accountLocked(count int) *Error {
	msg := msgLockedHint
	if count > 0 {
		msg = fmt.Sprintf("failed attempts: %d\n%s", count, msgLockedHint)
	}
	return &Error{Kind: KindAccountLocked, Message: msg, FailCount: count}
}
