// Package result classifies operation failures so that callers
// (eg. transport layers) can react to them without knowing
// about storage specific errors
package result

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the class of a failure
type Kind uint8

// Failure kinds
const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindUnavailable
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid operation"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindSerialization:
		return "serialization"
	default:
		return "internal"
	}
}

// Error is a classified failure of an operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E constructs a classified error
func E(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the failure kind to a http status code
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalid, KindSerialization:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of the first classified error in err's chain
// or KindInternal if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	var e *Error

	return errors.As(err, &e) && e.Kind == kind
}
