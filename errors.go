package vault

import (
	"errors"
	"strings"
)

// ErrorKind classifies every failure the vault reports.
type ErrorKind int

const (
	// NoSuchAccount means no account exists for the requested group.
	NoSuchAccount ErrorKind = iota + 1
	// NoSuchElement means a requested entry or record is missing.
	NoSuchElement
	// PermissionDenied means the sender failed the authorisation or group membership checks.
	PermissionDenied
	// ParsingError means a message payload could not be decoded.
	ParsingError
	// UnhandledActionType means a Synchronise message carried an unknown action tag.
	UnhandledActionType
	// InvalidParameter means a message was structurally valid but semantically wrong.
	InvalidParameter
)

func (k ErrorKind) String() string {
	switch k {
	case NoSuchAccount:
		return "no_such_account"
	case NoSuchElement:
		return "no_such_element"
	case PermissionDenied:
		return "permission_denied"
	case ParsingError:
		return "parsing_error"
	case UnhandledActionType:
		return "unhandled_action_type"
	case InvalidParameter:
		return "invalid_parameter"
	default:
		return "unknown"
	}
}

// Error is returned by every vault operation that fails for a reason listed in ErrorKind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Is matches any *Error of the same kind, so callers can use errors.Is(err, ErrNoSuchAccount)
// regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

var (
	ErrNoSuchAccount       = &Error{Kind: NoSuchAccount}
	ErrNoSuchElement       = &Error{Kind: NoSuchElement}
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
	ErrParsing             = &Error{Kind: ParsingError}
	ErrUnhandledActionType = &Error{Kind: UnhandledActionType}
	ErrInvalidParameter    = &Error{Kind: InvalidParameter}
)

// KindOf returns the ErrorKind carried by err, or zero if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Add(err error) {
	if err != nil {
		m.errors = append(m.errors, err)
	}
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return ""
	}

	var errStrings []string
	for _, err := range m.errors {
		errStrings = append(errStrings, err.Error())
	}
	return strings.Join(errStrings, "\n")
}

func (m *MultiError) NilOrError() error {
	if len(m.errors) == 0 {
		return nil
	}
	return m
}

// Unwrap allows errors.Is and errors.As to inspect every collected error.
func (m *MultiError) Unwrap() []error {
	return m.errors
}
