package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error classifies a Firestore failure for the repository layer.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports a failed precondition or contention.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable reports a transient backend failure.
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

// NewNotFound builds a not-found error for conditions detected by the caller.
func NewNotFound(op string, err error) error {
	return &Error{op: op, err: err, notFound: true}
}

// NewConflict builds a conflict error for conditions detected by the caller,
// such as a version mismatch inside a transaction.
func NewConflict(op string, err error) error {
	return &Error{op: op, err: err, conflict: true}
}

// WrapError classifies err by its gRPC status code. Context errors pass through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	e := &Error{op: op, err: err}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		e.notFound = true
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		e.conflict = true
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		e.unavailable = true
	}
	return e
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
