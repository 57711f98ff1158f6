package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/config"
)

const (
	CategoryInvitation       = "invitation"
	CategoryRegistrationAck  = "registration_acknowledgement"
	CategorySupportAttempt   = "support_registration_attempt"
	CategoryVerificationCode = "verification_code"
	CategoryAdminAlert       = "admin_alert"
)

// Message is a plain-text email ready for delivery.
type Message struct {
	To       []string
	Subject  string
	Body     string
	Category string
}

// Mailer delivers a single message synchronously.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer builds the transport selected by email.provider.
func NewMailer(cfg config.EmailConfig, logger zerolog.Logger) (Mailer, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		return NewSMTPMailer(cfg)
	case config.ProviderSES:
		return NewSESMailer(cfg, logger)
	case config.ProviderLog:
		return NewLogMailer(logger), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
}

// SMTPMailer sends email through an SMTP relay, upgrading to TLS when offered.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPMailer(cfg config.EmailConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, fmt.Errorf("smtp_host is required")
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("email from address is required")
	}

	return &SMTPMailer{
		host:     strings.TrimSpace(cfg.SMTPHost),
		port:     cfg.SMTPPort,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		from:     strings.TrimSpace(cfg.From),
	}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("message has no recipients")
	}

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial smtp %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return errors.Wrap(err, "smtp starttls")
		}
	}
	if m.username != "" {
		if err := client.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}

	if err := client.Mail(m.from); err != nil {
		return errors.Wrap(err, "smtp mail from")
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "smtp rcpt %s", rcpt)
		}
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "smtp data")
	}
	if _, err := w.Write(encodeMessage(m.from, msg)); err != nil {
		return errors.Wrap(err, "write smtp body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close smtp body")
	}
	return client.Quit()
}

func encodeMessage(from string, msg Message) []byte {
	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n",
		from, strings.Join(msg.To, ", "), msg.Subject)
	return []byte(headers + msg.Body)
}
