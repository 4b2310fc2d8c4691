package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ConsoleMailer prints messages instead of sending them. It is used when
// no mail provider is configured.
type ConsoleMailer struct {
	out    io.Writer
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewConsoleMailer writes to out, or stdout when out is nil.
func NewConsoleMailer(out io.Writer) *ConsoleMailer {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleMailer{
		out:    out,
		logger: slog.Default().With("component", "delivery", "provider", ProviderConsole),
	}
}

// Name implements Mailer.
func (m *ConsoleMailer) Name() string { return ProviderConsole }

// Send implements Mailer.
func (m *ConsoleMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if msg.To == "" {
		return Receipt{}, ErrNoRecipient
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 40)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nMOCK EMAIL\n%s\n", rule, rule)
	fmt.Fprintf(&b, "To: %s\nSubject: %s\n%s\n%s%s\n", msg.To, msg.Subject, thin, msg.Body, thin)
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "Attachment: %s (%d bytes)\n", a.Name, len(a.Data))
	}
	b.WriteString(rule + "\n")
	if _, err := io.WriteString(m.out, b.String()); err != nil {
		return Receipt{}, fmt.Errorf("failed to write message: %w", err)
	}
	m.sent = append(m.sent, msg)

	id := NewMessageID()
	m.logger.Info("Message printed", "to", msg.To, "subject", msg.Subject, "message_id", id)
	return Receipt{Provider: ProviderConsole, MessageID: id}, nil
}

// Sent returns the messages printed so far.
func (m *ConsoleMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
