package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dispatcher sends a single plain-text message.
type Dispatcher interface {
	Send(ctx context.Context, to, subject, body string) error
}

var ErrInvalidHeader = errors.New("header value contains a line break")

type Config struct {
	Host string
	Port string
	User string
	Pass string
	From string
	// Timeout bounds the whole SMTP conversation, dial included.
	Timeout time.Duration
}

const DefaultTimeout = 10 * time.Second

// ConfigFromEnv reads SMTP_* variables. From defaults to User.
func ConfigFromEnv() Config {
	cfg := Config{
		Host: os.Getenv("SMTP_HOST"),
		Port: os.Getenv("SMTP_PORT"),
		User: os.Getenv("SMTP_USER"),
		Pass: os.Getenv("SMTP_PASS"),
		From: os.Getenv("SMTP_FROM"),
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	cfg.Timeout = DefaultTimeout
	if d, err := time.ParseDuration(os.Getenv("SMTP_TIMEOUT")); err == nil && d > 0 {
		cfg.Timeout = d
	}
	return cfg
}

// New returns an SMTP mailer, or a logging dispatcher when no SMTP host is set.
func New(cfg Config, logger *zap.SugaredLogger) Dispatcher {
	if cfg.Host == "" {
		return &LogDispatcher{logger: logger}
	}
	return NewSMTPMailer(cfg)
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer delivers mail through an SMTP relay with PLAIN auth.
type SMTPMailer struct {
	cfg  Config
	send sendFunc
}

func NewSMTPMailer(cfg Config) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &SMTPMailer{cfg: cfg}
	m.send = m.deliver
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg, err := buildMessage(m.cfg.From, to, subject, body)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.send(ctx, addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// deliver runs the same conversation as smtp.SendMail on a connection whose
// deadline is the context deadline. The connection is closed as soon as ctx
// is done, so a stalled relay cannot hold the caller.
func (m *SMTPMailer) deliver(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	d := net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return ctxErr(ctx, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return ctxErr(ctx, err)
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return ctxErr(ctx, err)
		}
	}
	if err := c.Mail(from); err != nil {
		return ctxErr(ctx, err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return ctxErr(ctx, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return ctxErr(ctx, err)
	}
	if _, err := w.Write(msg); err != nil {
		return ctxErr(ctx, err)
	}
	if err := w.Close(); err != nil {
		return ctxErr(ctx, err)
	}
	return ctxErr(ctx, c.Quit())
}

// ctxErr reports a failure caused by ctx ending, or by its deadline passing on
// the connection, as the context error.
func ctxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func buildMessage(from, to, subject, body string) ([]byte, error) {
	for _, v := range []string{from, to, subject} {
		if strings.ContainsAny(v, "\r\n") {
			return nil, ErrInvalidHeader
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String()), nil
}

// LogDispatcher only logs outgoing mail. Used when SMTP is not configured.
type LogDispatcher struct {
	logger *zap.SugaredLogger
}

func (d *LogDispatcher) Send(_ context.Context, to, subject, _ string) error {
	if d.logger != nil {
		d.logger.Infow("mail not sent, smtp not configured", "to", to, "subject", subject)
	}
	return nil
}

// ApprovalMessage is the mail sent once an account is approved.
func ApprovalMessage() (subject, body string) {
	return "Your registration has been approved",
		"Your registration has been approved. Please log in to start using the service."
}
