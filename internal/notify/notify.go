// Package notify sends customer-facing email for billing lifecycle moments:
// license issuance, cancellation, trial endings, and payment trouble.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Message is one outbound notification.
type Message struct {
	To        string
	Subject   string
	PlainText string
	HTMLBody  string
}

// Notifier delivers messages to customers. Delivery is best-effort
// everywhere it is called; a failed send never rolls back billing state.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier is the development default: every message is logged instead
// of sent.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("Email notification (log-only mode)")
	return nil
}

// SendGridNotifier delivers through the SendGrid v3 mail API.
type SendGridNotifier struct {
	client *sendgrid.Client
	from   *mail.Email
}

// NewSendGrid creates a notifier with the given API key and sender address.
func NewSendGrid(apiKey, fromName, fromAddr string) *SendGridNotifier {
	return &SendGridNotifier{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddr),
	}
}

func (n *SendGridNotifier) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("notification recipient is required")
	}
	m := mail.NewSingleEmail(n.from, msg.Subject, mail.NewEmail("", msg.To), msg.PlainText, msg.HTMLBody)
	resp, err := n.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send email to %s: status %d: %s", msg.To, resp.StatusCode, resp.Body)
	}
	log.Debug().Str("to", msg.To).Str("subject", msg.Subject).Msg("Email notification sent")
	return nil
}
