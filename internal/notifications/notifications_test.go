package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

func TestRenderTemplates(t *testing.T) {
	cases := []struct {
		kind   Kind
		params Params
		want   string
	}{
		{KindConfirmed, Params{OrderID: 12, TotalCents: 2197}, "Order #12 confirmed! Total: $21.97. We're preparing your food!"},
		{KindReady, Params{OrderID: 12}, "Your order #12 is ready for pickup!"},
		{KindCancellationReceived, Params{OrderID: 5}, "Order #5 cancellation request received."},
		{KindCancelledWithRefund, Params{OrderID: 5, RefundCents: 899}, "Order #5 cancelled. Refund of $8.99 has been processed. Please allow 5–10 business days."},
		{KindCancelled, Params{OrderID: 5}, "Order #5 cancelled."},
	}
	for _, tc := range cases {
		got, err := Render(tc.kind, tc.params)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := Render("nope", Params{})
	require.Error(t, err)
}

type stubSender struct {
	to, body string
	id       string
	err      error
	calls    int
}

func (s *stubSender) Send(_ context.Context, to, body string) (string, error) {
	s.calls++
	s.to, s.body = to, body
	return s.id, s.err
}

func TestDispatcherNormalisesAndSends(t *testing.T) {
	sender := &stubSender{id: "SM1"}
	var events []string
	d, err := NewDispatcher(sender, WithLogger(func(_ context.Context, event string, fields map[string]any) {
		events = append(events, event)
		require.NotContains(t, fields["to"], "5551234")
	}))
	require.NoError(t, err)

	got := d.Notify(context.Background(), "(415) 555-1234", KindReady, Params{OrderID: 3})
	require.True(t, got.Delivered)
	require.Equal(t, "SM1", got.MessageID)
	require.Equal(t, "+14155551234", sender.to)
	require.Equal(t, "Your order #3 is ready for pickup!", sender.body)
	require.Equal(t, []string{"notification.sent"}, events)
}

func TestDispatcherReportsFailures(t *testing.T) {
	sender := &stubSender{err: errors.New("twilio down")}
	var events []string
	d, err := NewDispatcher(sender, WithLogger(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	}))
	require.NoError(t, err)

	got := d.Notify(context.Background(), "+14155551234", KindCancelled, Params{OrderID: 9})
	require.False(t, got.Delivered)
	require.EqualError(t, got.Err, "twilio down")
	require.Equal(t, []string{"notification.failed"}, events)

	got = d.Notify(context.Background(), "abc", KindCancelled, Params{OrderID: 9})
	require.False(t, got.Delivered)
	require.Error(t, got.Err)
	require.Equal(t, 1, sender.calls)
}

type stubMessages struct {
	params *openapi.CreateMessageParams
	err    error
}

func (s *stubMessages) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	sid := "SM42"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioSenderBuildsParams(t *testing.T) {
	api := &stubMessages{}
	sender := &TwilioSender{api: api, from: "+15550000000"}

	id, err := sender.Send(context.Background(), "+14155551234", "hello")
	require.NoError(t, err)
	require.Equal(t, "SM42", id)
	require.Equal(t, "+14155551234", *api.params.To)
	require.Equal(t, "+15550000000", *api.params.From)
	require.Equal(t, "hello", *api.params.Body)

	api.err = errors.New("boom")
	_, err = sender.Send(context.Background(), "+14155551234", "hello")
	require.ErrorContains(t, err, "twilio: create message")
}

func TestNewTwilioSenderRequiresCredentials(t *testing.T) {
	_, err := NewTwilioSender("", "token", "+1555")
	require.Error(t, err)
}

func TestLogSenderAssignsIDs(t *testing.T) {
	var logged map[string]any
	sender := NewLogSender(func(_ context.Context, _ string, fields map[string]any) { logged = fields })
	id, err := sender.Send(context.Background(), "+14155551234", "hi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "log_"))
	require.Equal(t, id, logged["message_id"])
	require.Equal(t, "+*******1234", logged["to"])
}
