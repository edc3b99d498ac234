package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SMTPConfig contains SMTP sender configuration
type SMTPConfig struct {
	// Host and Port of the relay
	Host string
	Port int

	// Username and Password enable PLAIN auth when set
	Username string
	Password string

	// From is the sender address, FromName its display name
	From     string
	FromName string

	// StartTLS upgrades the connection when the server offers it
	StartTLS bool

	// Timeout bounds one delivery when the context has no deadline
	Timeout time.Duration
}

// DefaultSMTPConfig returns a default configuration
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host:     "localhost",
		Port:     25,
		From:     "notifications@localhost",
		FromName: "Pincer",
		StartTLS: true,
		Timeout:  30 * time.Second,
	}
}

// SMTPSender sends email through an SMTP relay
type SMTPSender struct {
	config SMTPConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	if config.Timeout <= 0 {
		config.Timeout = DefaultSMTPConfig().Timeout
	}
	return &SMTPSender{
		config: config,
		logger: log.With().Str("component", "smtp").Logger(),
		now:    time.Now,
	}
}

// Compose renders email as an RFC 5322 message
func (s *SMTPSender) Compose(email Email) ([]byte, error) {
	if len(email.To) == 0 {
		return nil, Permanent(errors.New("email has no recipients"))
	}

	to := make([]*mail.Address, len(email.To))
	for i, addr := range email.To {
		to[i] = &mail.Address{Address: addr}
	}

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.config.FromName, Address: s.config.From}})
	h.SetAddressList("To", to)
	h.SetSubject(email.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, email.Body); err != nil {
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Send delivers email. 5xx replies from the relay are permanent failures.
func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	msg, err := s.Compose(email)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	if err := s.send(ctx, email.To, msg); err != nil {
		var reply *smtp.SMTPError
		if errors.As(err, &reply) {
			err = fmt.Errorf("smtp %d: %w", reply.Code, err)
			if reply.Code >= 500 {
				return Permanent(err)
			}
		}
		return err
	}

	s.logger.Debug().Strs("to", email.To).Str("subject", email.Subject).Msg("Email sent")
	return nil
}

func (s *SMTPSender) send(ctx context.Context, to []string, msg []byte) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting smtp session: %w", err)
	}
	defer c.Close()
	c.CommandTimeout = time.Until(deadline)
	c.SubmissionTimeout = time.Until(deadline)

	if s.config.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.config.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := sasl.NewPlainClient("", s.config.Username, s.config.Password)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(s.config.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return c.Quit()
}

// LogEmailSender logs email instead of sending it
type LogEmailSender struct {
	logger zerolog.Logger
}

// NewLogEmailSender creates a sender for development setups
func NewLogEmailSender() *LogEmailSender {
	return &LogEmailSender{logger: log.With().Str("component", "email-log").Logger()}
}

// Send logs email
func (s *LogEmailSender) Send(ctx context.Context, email Email) error {
	s.logger.Info().
		Strs("to", email.To).
		Str("subject", email.Subject).
		Int("body_bytes", len(email.Body)).
		Msg("Email (not sent)")
	return nil
}
