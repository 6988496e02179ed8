package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/grandir66/sanoid-manager/internal/db"
)

// emailSender delivers notifications via SMTP. It reloads configuration on
// every Send call so changes made through the settings API take effect
// immediately without restarting the server.
//
// Supports two connection modes depending on the TLS flag:
//   - true:  implicit TLS (SMTPS, typically port 465) via tls.Dial
//   - false: plaintext or STARTTLS (typically port 587) via smtp.SendMail
type emailSender struct {
	loader func(ctx context.Context) (*db.NotificationConfig, error)
}

func newEmailSender(loader func(ctx context.Context) (*db.NotificationConfig, error)) *emailSender {
	return &emailSender{loader: loader}
}

// Send delivers an email to the configured recipients. The subject prefix
// from the settings is prepended. A disabled or incomplete SMTP configuration
// skips the send silently.
func (s *emailSender) Send(ctx context.Context, subject, body string) error {
	cfg, err := s.loader(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("%w: failed to load smtp config: %s", ErrSendFailed, err)
	}
	if !cfg.SMTPEnabled || cfg.SMTPHost == "" || cfg.SMTPTo == "" {
		return nil
	}

	to := splitRecipients(cfg.SMTPTo)
	if len(to) == 0 {
		return nil
	}

	if cfg.SMTPSubjectPrefix != "" {
		subject = cfg.SMTPSubjectPrefix + " " + subject
	}

	msg := buildEmail(cfg.SMTPFrom, to, subject, body)
	addr := net.JoinHostPort(cfg.SMTPHost, fmt.Sprintf("%d", cfg.SMTPPort))

	if cfg.SMTPTLS && cfg.SMTPPort == 465 {
		return s.sendTLS(addr, cfg, to, msg)
	}
	return s.sendPlain(addr, cfg, to, msg)
}

// sendPlain uses smtp.SendMail which handles both plaintext and STARTTLS
// negotiation automatically. Suitable for port 25 and 587.
func (s *emailSender) sendPlain(addr string, cfg *db.NotificationConfig, to []string, msg []byte) error {
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, string(cfg.SMTPPassword), cfg.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, cfg.SMTPFrom, to, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// sendTLS establishes an implicit TLS connection (SMTPS) before the SMTP
// handshake. Required for servers that expect TLS from the first byte.
func (s *emailSender) sendTLS(addr string, cfg *db.NotificationConfig, to []string, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if cfg.SMTPUser != "" {
		auth := smtp.PlainAuth("", cfg.SMTPUser, string(cfg.SMTPPassword), cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}

	if err := client.Mail(cfg.SMTPFrom); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}

	return client.Quit()
}

// splitRecipients parses the comma-separated recipient list from settings.
func splitRecipients(list string) []string {
	var out []string
	for _, addr := range strings.Split(list, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// buildEmail composes a minimal RFC 5322 email message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
