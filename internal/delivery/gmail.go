package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailMailer sends through the Gmail API as the authorized user.
type GmailMailer struct {
	service *gmail.Service
	from    string
	logger  *slog.Logger
	now     func() time.Time
}

// NewGmailMailer creates a Gmail mailer. The token must carry the
// gmail.send scope.
func NewGmailMailer(ctx context.Context, tokens oauth2.TokenSource, from string, logger *slog.Logger) (*GmailMailer, error) {
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, tokens)))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "delivery", "provider", ProviderGmail)
	}
	return &GmailMailer{service: srv, from: from, logger: logger, now: time.Now}, nil
}

// Name implements Mailer.
func (m *GmailMailer) Name() string { return ProviderGmail }

// Send implements Mailer.
func (m *GmailMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.From == "" {
		msg.From = m.from
	}
	raw, err := BuildMIME(msg, NewMessageID(), m.now())
	if err != nil {
		return Receipt{}, err
	}
	sent, err := m.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return Receipt{}, fmt.Errorf("gmail send failed: %w", err)
	}
	m.logger.Info("Message sent", "to", msg.To, "message_id", sent.Id, "thread_id", sent.ThreadId)
	return Receipt{Provider: ProviderGmail, MessageID: sent.Id}, nil
}
