package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
)

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	User     string
	Password string
	From     string
	Port     int
	Timeout  time.Duration
}

// Validate checks the settings needed to send.
func (c SMTPConfig) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: delivery.smtp.host", common.ErrMissingConfig)
	case c.From == "":
		return fmt.Errorf("%w: delivery.from", common.ErrMissingConfig)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: delivery.smtp.port %d", common.ErrInvalidConfig, c.Port)
	}
	return nil
}

// SMTPMailer sends through an SMTP relay, upgrading with STARTTLS when the
// server offers it. Credentials are only sent over TLS.
type SMTPMailer struct {
	config SMTPConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPMailer creates an SMTP mailer.
func NewSMTPMailer(config SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "delivery", "provider", ProviderSMTP)
	}
	return &SMTPMailer{config: config, logger: logger, now: time.Now}, nil
}

// Name implements Mailer.
func (m *SMTPMailer) Name() string { return ProviderSMTP }

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.From == "" {
		msg.From = m.config.From
	}
	id := NewMessageID()
	raw, err := BuildMIME(msg, id, m.now())
	if err != nil {
		return Receipt{}, err
	}
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return Receipt{}, fmt.Errorf("invalid sender: %w", err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return Receipt{}, fmt.Errorf("invalid recipient: %w", err)
	}

	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	dialer := net.Dialer{Timeout: m.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	deadline := time.Now().Add(m.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		_ = conn.Close()
		return Receipt{}, fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.config.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return Receipt{}, fmt.Errorf("starttls failed: %w", err)
		}
	}
	if m.config.User != "" {
		if _, isTLS := client.TLSConnectionState(); !isTLS {
			return Receipt{}, errors.New("smtp server does not offer STARTTLS; refusing to send credentials")
		}
		if err := client.Auth(smtp.PlainAuth("", m.config.User, m.config.Password, m.config.Host)); err != nil {
			return Receipt{}, fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := client.Mail(from.Address); err != nil {
		return Receipt{}, fmt.Errorf("smtp MAIL FROM rejected: %w", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return Receipt{}, fmt.Errorf("smtp RCPT TO rejected: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return Receipt{}, fmt.Errorf("smtp DATA rejected: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return Receipt{}, fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return Receipt{}, fmt.Errorf("smtp server rejected message: %w", err)
	}
	if err := client.Quit(); err != nil {
		m.logger.Warn("SMTP quit failed", "error", err)
	}

	m.logger.Info("Message sent", "to", to.Address, "message_id", id, "bytes", len(raw))
	return Receipt{Provider: ProviderSMTP, MessageID: id}, nil
}
