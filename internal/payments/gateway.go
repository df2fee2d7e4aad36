package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
)

// Gateway is the payment processor as seen by the order services.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error)
}

// CheckoutItem is one priced line shown on the hosted checkout page.
type CheckoutItem struct {
	Name           string
	UnitPriceCents int64
	Quantity       int
}

// CheckoutRequest describes a one-off payment for an order.
type CheckoutRequest struct {
	OrderID    int64
	Phone      string
	Items      []CheckoutItem
	SuccessURL string
	CancelURL  string
	Currency   string

	// IdempotencyKey deduplicates retried session creation for one order.
	IdempotencyKey string
}

// CheckoutSession is the processor's view of a checkout.
type CheckoutSession struct {
	ID               string
	URL              string
	PaymentIntentID  string
	PaymentStatus    string
	AmountTotalCents int64
}

// RefundRequest refunds the full captured amount of Reference, which is a
// payment intent id or a checkout session id.
type RefundRequest struct {
	Reference      string
	IdempotencyKey string
}

// RefundResult is a refund the processor accepted.
type RefundResult struct {
	ID          string
	AmountCents int64
	Status      string
}

// ErrorKind classifies processor failures for retry decisions.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindDeclined        ErrorKind = "declined"
	KindUnavailable     ErrorKind = "unavailable"
	KindInvalid         ErrorKind = "invalid"
	KindAlreadyRefunded ErrorKind = "already_refunded"
	KindUnknown         ErrorKind = "unknown"
)

// GatewayError is returned by every Gateway method on processor failure.
type GatewayError struct {
	Op      string
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("payments: %s failed (%s/%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("payments: %s failed (%s): %s", e.Op, e.Kind, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// KindOf returns the classification of err, or KindUnknown when err is not a GatewayError.
func KindOf(err error) ErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUnknown
}

// IsTimeout distinguishes "no answer" from "answered no".
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsAlreadyRefunded reports a refund the processor had already completed.
func IsAlreadyRefunded(err error) bool { return KindOf(err) == KindAlreadyRefunded }
