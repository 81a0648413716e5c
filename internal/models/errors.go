package models

import "fmt"

type ErrorKind string

const (
	ErrInvalidPhone       ErrorKind = "InvalidPhone"
	ErrSessionUnavailable ErrorKind = "SessionUnavailable"
	ErrAuthRequired       ErrorKind = "AuthRequired"
	ErrBotSilent          ErrorKind = "BotSilent"
	ErrBotUIChanged       ErrorKind = "BotUIChanged"
	ErrParseFailed        ErrorKind = "ParseFailed"
	ErrTimeout            ErrorKind = "Timeout"
	ErrOverloaded         ErrorKind = "Overloaded"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrConflict           ErrorKind = "Conflict"
)

// QueryError is the domain error for broker and session failures. Kind
// drives HTTP mapping and job terminal state; Detail is human-readable.
type QueryError struct {
	Kind   ErrorKind
	Detail string
}

func (e *QueryError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func NewQueryError(kind ErrorKind, format string, args ...any) *QueryError {
	return &QueryError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, walking wrapped causes.
// Unknown errors report an empty kind.
func KindOf(err error) ErrorKind {
	for err != nil {
		if qe, ok := err.(*QueryError); ok {
			return qe.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			// pkg/errors exposes Cause() instead of Unwrap on older wrappers.
			c, ok := err.(interface{ Cause() error })
			if !ok {
				return ""
			}
			err = c.Cause()
			continue
		}
		err = u.Unwrap()
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
