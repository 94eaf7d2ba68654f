package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Recipient kinds accepted in configuration
const (
	KindLog   = "log"
	KindSlack = "slack"
	KindNATS  = "nats"
)

// RecipientConfig describes one recipient in configuration
type RecipientConfig struct {
	Name   string `mapstructure:"name"`
	Kind   string `mapstructure:"kind"`
	Target string `mapstructure:"target"`
}

// LogSender writes notifications to the log
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-backed sender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements Sender
func (s *LogSender) Send(_ context.Context, text string) error {
	s.logger.Info("Notification", zap.String("text", text))
	return nil
}

// SlackSender posts to a Slack incoming webhook
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSender creates a webhook sender
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send implements Sender
func (s *SlackSender) Send(ctx context.Context, text string) error {
	return slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, &slack.WebhookMessage{Text: text})
}

// NATSSender publishes each chunk on a subject
type NATSSender struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSender creates a NATS publishing sender
func NewNATSSender(nc *nats.Conn, subject string) *NATSSender {
	return &NATSSender{nc: nc, subject: subject}
}

// Send implements Sender
func (s *NATSSender) Send(_ context.Context, text string) error {
	if err := s.nc.Publish(s.subject, []byte(text)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// BuildRecipients turns configuration into recipients. nc may be nil when no
// nats recipient is configured.
func BuildRecipients(configs []RecipientConfig, nc *nats.Conn, logger *zap.Logger) ([]Recipient, error) {
	recipients := make([]Recipient, 0, len(configs))
	for _, c := range configs {
		name := c.Name
		if name == "" {
			name = c.Kind
		}

		var sender Sender
		switch c.Kind {
		case KindLog:
			sender = NewLogSender(logger.Named("notify").With(zap.String("recipient", name)))
		case KindSlack:
			if c.Target == "" {
				return nil, fmt.Errorf("recipient %q: slack webhook url is required", name)
			}
			sender = NewSlackSender(c.Target)
		case KindNATS:
			if nc == nil {
				return nil, fmt.Errorf("recipient %q: nats is not configured", name)
			}
			if c.Target == "" {
				return nil, fmt.Errorf("recipient %q: nats subject is required", name)
			}
			sender = NewNATSSender(nc, c.Target)
		default:
			return nil, fmt.Errorf("recipient %q: unknown kind %q", name, c.Kind)
		}
		recipients = append(recipients, Recipient{Name: name, Sender: sender})
	}
	return recipients, nil
}
