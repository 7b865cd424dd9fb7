// Package notify delivers the end-of-run report.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/logger"
)

// Reporter sends a finished run's report somewhere a human will read it.
type Reporter interface {
	Report(ctx context.Context, subject, body string) error
}

// New returns an SMTP reporter when a mail host is configured, otherwise a
// reporter that writes to the log.
func New(cfg config.NotifyConfig, log logger.Logger) Reporter {
	if cfg.SMTPHost != "" && len(cfg.To) > 0 {
		return &SMTPReporter{Config: cfg}
	}
	return &LogReporter{Logger: log}
}

// LogReporter logs the report.
type LogReporter struct {
	Logger logger.Logger
}

func (l *LogReporter) Report(_ context.Context, subject, body string) error {
	log := l.Logger
	if log == nil {
		log = logger.Global()
	}
	log.Info(subject, "report", body)
	return nil
}

// SMTPReporter mails the report.
type SMTPReporter struct {
	Config config.NotifyConfig
	// Now stamps the Date header. Defaults to time.Now.
	Now func() time.Time
}

func (s *SMTPReporter) Report(ctx context.Context, subject, body string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	msg := buildMessage(s.Config.From, s.Config.To, subject, body, now())
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string, date time.Time) string {
	var msg strings.Builder
	headers := [][2]string{
		{"From", from},
		{"To", strings.Join(to, ", ")},
		{"Subject", subject},
		{"Date", date.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	}
	for _, h := range headers {
		msg.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return msg.String()
}

func (s *SMTPReporter) send(ctx context.Context, message string) error {
	cfg := s.Config
	port := cfg.SMTPPort
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("smtp client creation failed: %w", err)
	}
	defer client.Close()

	if cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
				return fmt.Errorf("starttls failed: %w", err)
			}
		}
	}

	if cfg.SMTPUser != "" && cfg.SMTPPassword != "" {
		auth := smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth failed: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("mail from failed: %w", err)
	}
	for _, to := range cfg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("rcpt to failed: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err := w.Write([]byte(message)); err != nil {
		w.Close()
		return fmt.Errorf("write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return client.Quit()
}
