package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.DeadlineExceeded, unavailable: true},
		{code: codes.InvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var fe *Error
			if !errors.As(err, &fe) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if fe.IsNotFound() != tc.notFound || fe.IsConflict() != tc.conflict || fe.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification %+v", fe)
			}
		})
	}
}

func TestWrapErrorPassesThroughContextAndClassifiedErrors(t *testing.T) {
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	conflict := NewConflict("orders.cas", errors.New("version mismatch"))
	if got := WrapError("transaction", conflict); got != conflict {
		t.Fatalf("expected classified error to pass through unchanged")
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil")
	}
}
