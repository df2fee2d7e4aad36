package notifications

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/jbites/api/internal/platform/observability"
)

// Sender delivers one SMS and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSender sends SMS through the Twilio Messaging API.
type TwilioSender struct {
	api  messageCreator
	from string
}

// NewTwilioSender builds a sender for the given account.
func NewTwilioSender(accountSID, authToken, from string) (*TwilioSender, error) {
	accountSID = strings.TrimSpace(accountSID)
	authToken = strings.TrimSpace(authToken)
	from = strings.TrimSpace(from)
	if accountSID == "" || authToken == "" || from == "" {
		return nil, errors.New("notifications: twilio account sid, auth token and from number are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{api: client.Api, from: from}, nil
}

func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	msg, err := s.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return "", fmt.Errorf("twilio: create message (code %d, status %d): %s", restErr.Code, restErr.Status, restErr.Message)
		}
		return "", fmt.Errorf("twilio: create message: %w", err)
	}
	if msg == nil || msg.Sid == nil {
		return "", nil
	}
	return *msg.Sid, nil
}

// LogSender logs messages instead of sending them. Used when SMS is disabled.
type LogSender struct {
	log func(ctx context.Context, event string, fields map[string]any)

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewLogSender returns a sender that writes each message to log.
func NewLogSender(log func(ctx context.Context, event string, fields map[string]any)) *LogSender {
	if log == nil {
		log = func(context.Context, string, map[string]any) {}
	}
	return &LogSender{log: log, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *LogSender) Send(ctx context.Context, to, body string) (string, error) {
	s.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("notifications: message id: %w", err)
	}
	messageID := "log_" + id.String()
	s.log(ctx, "notification.logged", map[string]any{
		"to":         observability.MaskPhone(to),
		"body":       body,
		"message_id": messageID,
	})
	return messageID, nil
}
