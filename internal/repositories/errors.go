package repositories

import (
	"errors"
	"fmt"
)

type errorKind int

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error is the RepositoryError used by backends that do not carry their own
// classified error type.
type Error struct {
	Op   string
	kind errorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

func NewNotFound(op string, err error) error {
	return &Error{Op: op, kind: kindNotFound, Err: orDefault(err, "not found")}
}

func NewConflict(op string, err error) error {
	return &Error{Op: op, kind: kindConflict, Err: orDefault(err, "conflict")}
}

func NewUnavailable(op string, err error) error {
	return &Error{Op: op, kind: kindUnavailable, Err: orDefault(err, "unavailable")}
}

// Wrap attaches op to err without classifying it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

func orDefault(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return err
}

// IsNotFound reports whether err carries a not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries an unavailable classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
