package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

type stubSessions struct {
	params   *stripe.CheckoutSessionParams
	session  *stripe.CheckoutSession
	newErr   error
	gets     map[string]*stripe.CheckoutSession
	getCalls int
}

func (s *stubSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	if s.newErr != nil {
		return nil, s.newErr
	}
	return s.session, nil
}

func (s *stubSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.getCalls++
	if sess, ok := s.gets[id]; ok {
		return sess, nil
	}
	return nil, &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound, Msg: "No such checkout.session"}
}

type stubRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return s.refund, nil
}

func TestCreateCheckoutBuildsSession(t *testing.T) {
	sessions := &stubSessions{session: &stripe.CheckoutSession{ID: "cs_123", URL: "https://pay.test/cs_123"}}
	gw := newStripeGateway(sessions, &stubRefunds{}, StripeConfig{Currency: "USD"})

	got, err := gw.CreateCheckout(context.Background(), CheckoutRequest{
		OrderID:    42,
		Phone:      "+15551234567",
		Items:      []CheckoutItem{{Name: "Classic Burger", UnitPriceCents: 899, Quantity: 2}},
		SuccessURL: "https://app.test/ok",
		CancelURL:  "https://app.test/cancel",

		IdempotencyKey: "checkout-order-42-1743618600000",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_123", got.ID)
	require.Equal(t, "https://pay.test/cs_123", got.URL)

	p := sessions.params
	require.NotNil(t, p)
	require.Equal(t, "checkout-order-42-1743618600000", *p.IdempotencyKey)
	require.Equal(t, "42", p.Metadata["order_id"])
	require.Equal(t, "+15551234567", p.Metadata["phone"])
	require.Equal(t, "42", *p.ClientReferenceID)
	require.Len(t, p.LineItems, 1)
	require.Equal(t, int64(899), *p.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, int64(2), *p.LineItems[0].Quantity)
	require.Equal(t, "usd", *p.LineItems[0].PriceData.Currency)
}

func TestRefundResolvesSessionToIntent(t *testing.T) {
	sessions := &stubSessions{gets: map[string]*stripe.CheckoutSession{
		"cs_9": {ID: "cs_9", PaymentIntent: &stripe.PaymentIntent{ID: "pi_9"}},
	}}
	refunds := &stubRefunds{refund: &stripe.Refund{ID: "re_1", Amount: 2197, Status: stripe.RefundStatusSucceeded}}
	gw := newStripeGateway(sessions, refunds, StripeConfig{})

	res, err := gw.Refund(context.Background(), RefundRequest{Reference: "cs_9", IdempotencyKey: "refund-order-9-1743618600000"})
	require.NoError(t, err)
	require.Equal(t, RefundResult{ID: "re_1", AmountCents: 2197, Status: "succeeded"}, res)
	require.Equal(t, "pi_9", *refunds.params.PaymentIntent)
	require.Equal(t, "refund-order-9-1743618600000", *refunds.params.IdempotencyKey)
}

func TestRefundWithIntentSkipsLookup(t *testing.T) {
	sessions := &stubSessions{}
	refunds := &stubRefunds{refund: &stripe.Refund{ID: "re_2", Amount: 100}}
	gw := newStripeGateway(sessions, refunds, StripeConfig{})

	_, err := gw.Refund(context.Background(), RefundRequest{Reference: "pi_1"})
	require.NoError(t, err)
	require.Zero(t, sessions.getCalls)
	require.Nil(t, refunds.params.IdempotencyKey)
}

func TestTranslateClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"already refunded", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeChargeAlreadyRefunded}, KindAlreadyRefunded},
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds"}, KindDeclined},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, KindUnavailable},
		{"server", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusBadGateway}, KindUnavailable},
		{"invalid", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest}, KindInvalid},
		{"opaque", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := translate("refund", tc.err)
			require.Equal(t, tc.want, got.Kind)
			require.Equal(t, tc.want, KindOf(got))
		})
	}
}

func TestRefundTimeoutIsReported(t *testing.T) {
	refunds := &stubRefunds{err: context.DeadlineExceeded}
	gw := newStripeGateway(&stubSessions{}, refunds, StripeConfig{})

	_, err := gw.Refund(context.Background(), RefundRequest{Reference: "pi_1"})
	require.Error(t, err)
	require.True(t, IsTimeout(err))

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.True(t, gwErr.Retryable())
}

func signedPayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestVerifyWebhook(t *testing.T) {
	gw := newStripeGateway(&stubSessions{}, &stubRefunds{}, StripeConfig{WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","api_version":"2020-08-27","data":{"object":{"id":"cs_1"}}}`)

	event, err := gw.VerifyWebhook(payload, signedPayload(t, payload, "whsec_test"))
	require.NoError(t, err)
	require.Equal(t, "evt_1", event.ID)
	require.Equal(t, stripe.EventType("checkout.session.completed"), event.Type)

	_, err = gw.VerifyWebhook(payload, signedPayload(t, payload, "whsec_other"))
	require.Error(t, err)
	require.Equal(t, KindInvalid, KindOf(err))
}

func TestFakeGatewayRefundIsIdempotent(t *testing.T) {
	fake := NewFakeGateway("whsec")
	ctx := context.Background()
	session, err := fake.CreateCheckout(ctx, CheckoutRequest{OrderID: 3, Items: []CheckoutItem{{Name: "Soda", UnitPriceCents: 199, Quantity: 2}}})
	require.NoError(t, err)

	fake.RefundErrs = []error{&GatewayError{Op: "refund", Kind: KindTimeout}}
	_, err = fake.Refund(ctx, RefundRequest{Reference: session.ID, IdempotencyKey: "refund-order-3"})
	require.True(t, IsTimeout(err))

	first, err := fake.Refund(ctx, RefundRequest{Reference: session.ID, IdempotencyKey: "refund-order-3"})
	require.NoError(t, err)
	require.Equal(t, int64(398), first.AmountCents)
	second, err := fake.Refund(ctx, RefundRequest{Reference: session.ID, IdempotencyKey: "refund-order-3"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, fake.RefundCount())
}
