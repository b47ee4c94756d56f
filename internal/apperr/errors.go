package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrImmutable     = errors.New("record is immutable")
)

// Kind classifies per-item failures. None of them abort a batch.
type Kind string

const (
	MalformedInput        Kind = "malformed_input"
	AmbiguousMatch        Kind = "ambiguous_match"
	DriftDetected         Kind = "drift_detected"
	UnresolvableReference Kind = "unresolvable_reference"
)

// Error is a classified, item-scoped failure.
type Error struct {
	kind    Kind
	Subject string
	Detail  string
	Err     error
}

// New returns a classified error about subject.
func New(kind Kind, subject, detail string) *Error {
	return &Error{kind: kind, Subject: subject, Detail: detail}
}

// Wrap returns a classified error wrapping err.
func Wrap(kind Kind, subject string, err error) *Error {
	return &Error{kind: kind, Subject: subject, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.kind)
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind reports the taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// Classifier is implemented by errors that carry a taxonomy kind.
type Classifier interface {
	Kind() Kind
}

// KindOf returns the taxonomy kind of err, or "" for systemic failures.
func KindOf(err error) Kind {
	var c Classifier
	if errors.As(err, &c) {
		return c.Kind()
	}
	return ""
}

// IsItemScoped reports whether err is a per-item failure that must not abort a batch.
func IsItemScoped(err error) bool {
	return KindOf(err) != ""
}

// Errorf builds a classified error with a formatted detail.
func Errorf(kind Kind, subject, format string, args ...any) *Error {
	return New(kind, subject, fmt.Sprintf(format, args...))
}
