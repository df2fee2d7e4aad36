package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/observability"
)

const meterName = "github.com/jbites/api/internal/notifications"

// Delivery is the outcome of one notification. Callers log it and move on.
type Delivery struct {
	Kind      Kind
	Delivered bool
	MessageID string
	Err       error
}

// Notifier is the dispatcher as seen by the order services.
type Notifier interface {
	Notify(ctx context.Context, phone string, kind Kind, params Params) Delivery
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger receives delivery failures.
func WithLogger(fn func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.log = fn
		}
	}
}

// WithDefaultRegion sets the region used for numbers without a country code.
func WithDefaultRegion(region string) Option {
	return func(d *Dispatcher) {
		if region = strings.TrimSpace(region); region != "" {
			d.region = strings.ToUpper(region)
		}
	}
}

// WithMeter overrides the meter used for delivery counters.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.meter = m
		}
	}
}

// Dispatcher renders templates and hands them to a Sender.
type Dispatcher struct {
	sender Sender
	log    func(ctx context.Context, event string, fields map[string]any)
	region string
	meter  metric.Meter
	sent   metric.Int64Counter
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher builds a dispatcher over sender.
func NewDispatcher(sender Sender, opts ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("notifications: sender is required")
	}
	d := &Dispatcher{
		sender: sender,
		log:    func(context.Context, string, map[string]any) {},
		region: domain.DefaultPhoneRegion,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.meter == nil {
		d.meter = otel.GetMeterProvider().Meter(meterName)
	}
	sent, err := d.meter.Int64Counter("notifications.sent",
		metric.WithDescription("SMS notifications by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("notifications: register counter: %w", err)
	}
	d.sent = sent
	return d, nil
}

// Notify sends one message. It never panics and never returns an error to
// the caller; failures are reported in the Delivery.
func (d *Dispatcher) Notify(ctx context.Context, phone string, kind Kind, params Params) Delivery {
	out := Delivery{Kind: kind}
	body, err := Render(kind, params)
	if err != nil {
		out.Err = err
		d.record(ctx, out, phone, params.OrderID)
		return out
	}
	to, err := domain.NormalizePhone(phone, d.region)
	if err != nil {
		out.Err = fmt.Errorf("notifications: %w", err)
		d.record(ctx, out, phone, params.OrderID)
		return out
	}
	id, err := d.sender.Send(ctx, to, body)
	if err != nil {
		out.Err = err
	} else {
		out.Delivered = true
		out.MessageID = id
	}
	d.record(ctx, out, to, params.OrderID)
	return out
}

func (d *Dispatcher) record(ctx context.Context, out Delivery, phone string, orderID int64) {
	outcome := "delivered"
	if !out.Delivered {
		outcome = "failed"
	}
	d.sent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(out.Kind)),
		attribute.String("outcome", outcome),
	))
	fields := map[string]any{
		"order_id": orderID,
		"kind":     string(out.Kind),
		"to":       observability.MaskPhone(phone),
	}
	if out.Err != nil {
		fields["error"] = out.Err.Error()
		d.log(ctx, "notification.failed", fields)
		return
	}
	fields["message_id"] = out.MessageID
	d.log(ctx, "notification.sent", fields)
}
