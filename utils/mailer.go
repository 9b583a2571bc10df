package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the settings of the outgoing SMTP relay. Timeout bounds
// one whole SMTP session, from dial to QUIT.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

const defaultSMTPTimeout = 30 * time.Second

// SMTPTransport composes messages with gomail and delivers each over its own
// SMTP session. Every session runs under a connection deadline and is torn
// down when ctx ends, so no send outlives its caller.
type SMTPTransport struct {
	cfg SMTPConfig
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) messageID() string {
	domain := "localhost"
	if at := strings.LastIndex(t.cfg.FromEmail, "@"); at != -1 {
		domain = t.cfg.FromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// Send delivers the message and returns its Message-ID.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	if to == "" {
		return "", errors.New("empty recipient")
	}
	id := t.messageID()

	m := gomail.NewMessage()
	if t.cfg.FromName != "" {
		m.SetAddressHeader("From", t.cfg.FromEmail, t.cfg.FromName)
	} else {
		m.SetHeader("From", t.cfg.FromEmail)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/html", htmlBody)

	if err := t.deliver(ctx, to, m); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("smtp send: %w", ctxErr)
		}
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return id, nil
}

func (t *SMTPTransport) deliver(ctx context.Context, to string, m *gomail.Message) error {
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tlsConfig := &tls.Config{ServerName: t.cfg.Host}
	if t.cfg.Port == 465 {
		conn = tls.Client(conn, tlsConfig)
	}
	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && t.cfg.Port != 465 {
		if err := c.StartTLS(tlsConfig); err != nil {
			return err
		}
	}
	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(t.cfg.FromEmail); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// LogTransport only logs messages. Used in development and when no
// provider is configured.
type LogTransport struct {
	Logger *logrus.Entry
}

func (t *LogTransport) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + uuid.New().String()
	t.Logger.WithFields(logrus.Fields{
		"to":         to,
		"subject":    subject,
		"bytes":      len(htmlBody),
		"message_id": id,
	}).Info("Email not sent (log transport)")
	return id, nil
}
