// Package apperr defines the error taxonomy surfaced to HTTP callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by who is responsible for it.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	Unauthenticated
	PermissionDenied
	NotFound
	TooLarge
	RateLimited
	Dependency
	DependencyTimeout
	Unavailable
)

var kindNames = map[Kind]string{
	Internal:          "internal",
	InvalidArgument:   "invalid_argument",
	Unauthenticated:   "unauthenticated",
	PermissionDenied:  "permission_denied",
	NotFound:          "not_found",
	TooLarge:          "too_large",
	RateLimited:       "rate_limited",
	Dependency:        "dependency",
	DependencyTimeout: "dependency_timeout",
	Unavailable:       "unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Detail is safe to show to the caller; Err
// holds the underlying cause for logs.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without an underlying cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// Status maps err to the HTTP status code returned to the caller.
func Status(err error) int {
	switch KindOf(err) {
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimited:
		return http.StatusTooManyRequests
	case Dependency:
		return http.StatusBadGateway
	case DependencyTimeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Detail returns the caller-facing message for err. Unclassified errors are
// reported as internal errors carrying their message.
func Detail(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Kind == Internal && appErr.Detail == "" && appErr.Err != nil {
			return "Internal server error: " + appErr.Err.Error()
		}
		return appErr.Detail
	}
	if err == nil {
		return ""
	}
	return "Internal server error: " + err.Error()
}
