package email

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"time"

	"github.com/go-mail/mail"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Sender delivers a message and returns its Message-ID.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPSender sends mail through an SMTP relay, negotiating STARTTLS when the server offers it.
type SMTPSender struct {
	dialer *mail.Dialer
	from   string
	domain string
	logger *slog.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	d.Timeout = 10 * time.Second
	return &SMTPSender{dialer: d, from: cfg.From, domain: messageIDDomain(cfg.From), logger: logger}
}

// Send builds a multipart/alternative message and delivers it. The context bounds only the wait
// before dialing; an in-flight SMTP exchange runs to the dialer timeout.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString() + "@" + s.domain

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+">")
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", oops.With("operation", "smtp send").With("subject", msg.Subject).Wrap(err)
	}
	s.logger.DebugContext(ctx, "email sent", "message_id", id, "subject", msg.Subject)
	return id, nil
}

// messageIDDomain returns the domain of the From address, or "localhost".
func messageIDDomain(from string) string {
	addr := from
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
		return strings.TrimSpace(addr[at+1:])
	}
	return "localhost"
}
