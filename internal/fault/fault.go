// Package fault classifies per-connection failures so handlers can map them
// onto wire status codes and log them consistently.
package fault

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes a connection handler distinguishes.
type Kind int

const (
	// Internal covers anything that does not fit another kind (recovered panics included).
	Internal Kind = iota
	// Transport covers accept, bind, TLS and socket I/O failures.
	Transport
	// Protocol covers unreadable or unroutable requests.
	Protocol
	// NotFound means a lookup completed but produced no rows.
	NotFound
	// DataStore covers failures surfaced by the record stores.
	DataStore
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case NotFound:
		return "not_found"
	case DataStore:
		return "data_store"
	default:
		return "internal"
	}
}

// Error is a classified failure. Detail is safe to put on the wire; Err is
// only ever logged.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Status maps the error kind onto an HTTP status code.
func (e *Error) Status() int {
	if e == nil {
		return 500
	}
	switch e.Kind {
	case Protocol:
		return 400
	case NotFound:
		return 404
	default:
		return 500
	}
}

// Public returns the message written into JSON error bodies.
func (e *Error) Public() string {
	if e == nil {
		return "Internal server error"
	}
	if e.Detail != "" {
		return e.Detail
	}
	switch e.Kind {
	case Protocol:
		return "Invalid request"
	case NotFound:
		return "Not found"
	case DataStore:
		return "Database error"
	default:
		return "Internal server error"
	}
}

// New builds a classified error.
func New(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Wrap classifies err unless it already carries a classification.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error whose cause is formatted from args.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the classification of err, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// As extracts the classified error, classifying unknown errors as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: Internal, Err: err}
}

// Is reports whether err carries the supplied classification.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
