package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// RatePerSecond limits outgoing messages. Zero disables limiting.
	RatePerSecond float64
}

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPTransport sends alerts as plain-text email.
type SMTPTransport struct {
	cfg      SMTPConfig
	limiter  *rate.Limiter
	sendMail sendMailFunc
	clock    func() time.Time
}

// SMTPOption configures the transport.
type SMTPOption func(*SMTPTransport)

// WithSendMail replaces the delivery function.
func WithSendMail(fn func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error) SMTPOption {
	return func(t *SMTPTransport) {
		if fn != nil {
			t.sendMail = fn
		}
	}
}

// NewSMTPTransport constructs an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig, opts ...SMTPOption) (*SMTPTransport, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp transport: host and port required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if !strings.Contains(cfg.From, "@") {
		return nil, fmt.Errorf("smtp transport: invalid from address %q", cfg.From)
	}
	t := &SMTPTransport{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		clock:    time.Now,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send delivers one message addressed to all recipients.
func (t *SMTPTransport) Send(ctx context.Context, recipients []string, subject, body string) error {
	if t == nil {
		return errors.New("smtp transport: nil")
	}
	if len(recipients) == 0 {
		return errors.New("smtp transport: no recipients")
	}
	for _, to := range recipients {
		if !strings.Contains(to, "@") {
			return fmt.Errorf("smtp transport: invalid email address: %s", to)
		}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("smtp transport: rate limit: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	msg := t.buildMessage(recipients, subject, body)

	errCh := make(chan error, 1)
	go func() {
		errCh <- t.sendMail(addr, auth, t.cfg.From, recipients, msg)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp transport: send to %d recipients: %w", len(recipients), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SMTPTransport) buildMessage(recipients []string, subject, body string) []byte {
	from := t.cfg.From
	if t.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", t.cfg.FromName, t.cfg.From)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", t.clock().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
