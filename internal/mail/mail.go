// Package mail delivers outbound email.
package mail

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SMTP sends through an SMTP relay with PLAIN auth when a username is configured.
type SMTP struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP constructs an SMTP sender.
func NewSMTP(host string, port int, username, password, from string) *SMTP {
	s := &SMTP{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     from,
		sendMail: smtp.SendMail,
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

// Send delivers m. net/smtp has no context support, so ctx bounds the wait, not the transfer.
func (s *SMTP) Send(ctx context.Context, m Message) error {
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("mail: header injection")
	}
	msg := s.render(m)
	done := make(chan error, 1)
	go func() { done <- s.sendMail(s.addr, s.auth, s.from, []string{m.To}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTP) render(m Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// Log writes messages to the log instead of sending them. Development only.
type Log struct{ Log *zap.Logger }

func (l Log) Send(_ context.Context, m Message) error {
	l.Log.Info("mail not sent, smtp disabled", zap.String("to", m.To), zap.String("subject", m.Subject))
	return nil
}
