// Package apperr defines the failure kinds shared by the account registry,
// the transfer engine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure. The zero value is Internal.
type Kind int

const (
	Internal Kind = iota
	BadRequestKind
	NotFoundKind
	AccountOwnershipKind
	AccountClosedKind
	ValidationKind
	UnauthorizedKind
	ConflictKind
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case BadRequestKind:
		return "bad_request"
	case NotFoundKind:
		return "not_found"
	case AccountOwnershipKind:
		return "account_ownership"
	case AccountClosedKind:
		return "account_closed"
	case ValidationKind:
		return "validation"
	case UnauthorizedKind:
		return "unauthorized"
	case ConflictKind:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a typed failure. Detail is safe to show to the caller.
type Error struct {
	Kind   Kind
	Detail string
	// Fields maps request field names to messages for ValidationKind.
	Fields map[string]string
	// Err is the underlying cause, never shown to the caller.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " [%s: %s]", k, e.Fields[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and detail, so callers can compare
// against values built with the constructors below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Detail == t.Detail
}

func BadRequest(detail string) *Error {
	return &Error{Kind: BadRequestKind, Detail: detail}
}

func NotFound(detail string) *Error {
	return &Error{Kind: NotFoundKind, Detail: detail}
}

func AccountOwnership() *Error {
	return &Error{Kind: AccountOwnershipKind, Detail: "account does not belong to the user"}
}

func AccountClosed(detail string) *Error {
	if detail == "" {
		detail = "account is closed"
	}
	return &Error{Kind: AccountClosedKind, Detail: detail}
}

func Validation(fields map[string]string) *Error {
	return &Error{Kind: ValidationKind, Detail: "validation failed", Fields: fields}
}

func Unauthorized(detail string) *Error {
	return &Error{Kind: UnauthorizedKind, Detail: detail}
}

func Conflict(detail string) *Error {
	return &Error{Kind: ConflictKind, Detail: detail}
}

// Wrap marks err as an internal failure with a short description.
func Wrap(err error, detail string) *Error {
	return &Error{Kind: Internal, Detail: detail, Err: err}
}

// KindOf reports the kind of err. Errors that are not *Error are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsBusiness reports whether err is a rule rejection rather than an
// infrastructure failure.
func IsBusiness(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != Internal
}
