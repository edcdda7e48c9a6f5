package errcode

import (
	"errors"
	"net/http"
)

// Code is a stable, wire-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK              Code = "ok"
	InvalidArgument Code = "invalid_argument" // malformed size or body
	InvalidState    Code = "invalid_state"    // wrong phase, or a conflicting update already active
	Conflict        Code = "conflict"         // pending-verify blocks firmware updates; rollback unavailable
	NotFound        Code = "not_found"        // no spare update region
	SizeExceeded    Code = "size_exceeded"    // declared or actual bytes exceed target capacity
	IOError         Code = "io_error"         // underlying write/erase failure
	ValidationError Code = "validation_error" // header/identity mismatch

	Internal Code = "internal" // generic fallback
)

// E carries a code plus optional operation context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	if e.Err != nil {
		return string(e.C) + ": " + e.Err.Error()
	}
	return string(e.C)
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds an *E with a code and message.
func New(c Code, msg string) *E {
	return &E{C: c, Msg: msg}
}

// Wrap builds an *E around a cause.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Internal.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Internal
}

// HTTPStatus maps a code to the HTTP status used on the update API.
func HTTPStatus(c Code) int {
	switch c {
	case OK:
		return http.StatusOK
	case InvalidArgument:
		return http.StatusBadRequest
	case InvalidState:
		return http.StatusConflict
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case SizeExceeded:
		return http.StatusRequestEntityTooLarge
	case IOError:
		return http.StatusInternalServerError
	case ValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
