package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Logger receives processor call outcomes.
type Logger func(ctx context.Context, event string, fields map[string]any)

type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeConfig configures StripeGateway.
type StripeConfig struct {
	APIKey         string
	WebhookSecret  string
	Currency       string
	RequestTimeout time.Duration
	Logger         Logger
}

// StripeGateway implements Gateway over Stripe Checkout and Refunds.
type StripeGateway struct {
	sessions      sessionAPI
	refunds       refundAPI
	webhookSecret string
	currency      string
	timeout       time.Duration
	log           Logger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway builds a gateway whose outbound calls are traced through otelhttp.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("stripe: api key is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(2),
	})
	sc := client.New(key, backends)
	return newStripeGateway(sc.CheckoutSessions, sc.Refunds, cfg), nil
}

func newStripeGateway(sessions sessionAPI, refunds refundAPI, cfg StripeConfig) *StripeGateway {
	log := cfg.Logger
	if log == nil {
		log = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &StripeGateway{
		sessions:      sessions,
		refunds:       refunds,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		currency:      currency,
		timeout:       cfg.RequestTimeout,
		log:           log,
	}
}

// CreateCheckout creates a hosted checkout session. Retries of the same order
// reuse the idempotency key so Stripe returns the original session.
func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = g.currency
	}
	orderID := strconv.FormatInt(req.OrderID, 10)
	metadata := map[string]string{"order_id": orderID, "phone": req.Phone}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(orderID),
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(item.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(item.UnitPriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)},
			},
		})
	}

	session, err := g.sessions.New(params)
	if err != nil {
		gwErr := translate("create_checkout", err)
		g.log(ctx, "payments.stripe.checkout.failed", map[string]any{"order_id": req.OrderID, "error": gwErr})
		return CheckoutSession{}, gwErr
	}
	g.log(ctx, "payments.stripe.checkout.created", map[string]any{"order_id": req.OrderID, "session_id": session.ID})
	return toCheckoutSession(session), nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := g.sessions.Get(sessionID, params)
	if err != nil {
		return CheckoutSession{}, translate("retrieve_session", err)
	}
	return toCheckoutSession(session), nil
}

// Refund refunds the whole payment behind req.Reference.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	intentID := strings.TrimSpace(req.Reference)
	if strings.HasPrefix(intentID, "cs_") {
		session, err := g.RetrieveSession(ctx, intentID)
		if err != nil {
			return RefundResult{}, err
		}
		if session.PaymentIntentID == "" {
			return RefundResult{}, &GatewayError{Op: "refund", Kind: KindInvalid, Code: "no_payment_intent", Message: "checkout session has no payment intent"}
		}
		intentID = session.PaymentIntentID
	}
	if intentID == "" {
		return RefundResult{}, &GatewayError{Op: "refund", Kind: KindInvalid, Code: "missing_reference", Message: "refund reference is required"}
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	refund, err := g.refunds.New(params)
	if err != nil {
		gwErr := translate("refund", err)
		g.log(ctx, "payments.stripe.refund.failed", map[string]any{"payment_intent": intentID, "kind": string(gwErr.Kind), "error": gwErr})
		return RefundResult{}, gwErr
	}
	g.log(ctx, "payments.stripe.refund.created", map[string]any{"payment_intent": intentID, "refund_id": refund.ID, "amount": refund.Amount})
	return RefundResult{ID: refund.ID, AmountCents: refund.Amount, Status: string(refund.Status)}, nil
}

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	return verifyWebhook(payload, signatureHeader, g.webhookSecret)
}

func verifyWebhook(payload []byte, header, secret string) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, &GatewayError{Op: "verify_webhook", Kind: KindInvalid, Code: "no_secret", Message: "webhook secret is not configured"}
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, &GatewayError{Op: "verify_webhook", Kind: KindInvalid, Code: "signature", Message: err.Error(), Err: err}
	}
	return event, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:               s.ID,
		URL:              s.URL,
		PaymentStatus:    string(s.PaymentStatus),
		AmountTotalCents: s.AmountTotal,
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out
}

// translate maps stripe-go and transport errors onto GatewayError.
func translate(op string, err error) *GatewayError {
	out := &GatewayError{Op: op, Kind: KindUnknown, Message: err.Error(), Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = KindTimeout
		return out
	case errors.Is(err, context.Canceled):
		out.Kind = KindUnavailable
		return out
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		if errors.As(err, &netErr) {
			out.Kind = KindUnavailable
		}
		return out
	}
	out.Code = string(stripeErr.Code)
	out.Message = stripeErr.Msg
	switch {
	case stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded:
		out.Kind = KindAlreadyRefunded
	case stripeErr.Type == stripe.ErrorTypeCard:
		out.Kind = KindDeclined
		if stripeErr.DeclineCode != "" {
			out.Code = string(stripeErr.DeclineCode)
		}
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500:
		out.Kind = KindUnavailable
	case stripeErr.Type == stripe.ErrorTypeInvalidRequest || stripeErr.Type == stripe.ErrorTypeIdempotency:
		out.Kind = KindInvalid
	case stripeErr.Type == stripe.ErrorTypeAPI:
		out.Kind = KindUnavailable
	default:
		out.Kind = KindDeclined
	}
	if out.Message == "" {
		out.Message = fmt.Sprintf("stripe %s error", stripeErr.Type)
	}
	return out
}
