// Package email implements an SMTP-based email notifier
package email

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/notifier"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email implements notifier.Channel for SMTP email
type Email struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string

	enabled bool
	filter  notifier.Filter
	send    sendFunc
}

// New creates a new Email notifier
func New(host string, port int, username, password, from string, to []string) *Email {
	return &Email{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       to,
		enabled:  true,
		filter:   notifier.DefaultFilter,
		send:     smtp.SendMail,
	}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Enabled() bool { return e.enabled }

func (e *Email) ShouldHandle(event core.RiskEvent) bool {
	if e.filter == nil {
		return notifier.DefaultFilter(event)
	}
	return e.filter(event)
}

func (e *Email) Init(cfg notifier.Config) error {
	if host := cfg.String("host"); host != "" {
		e.host = host
	}
	if port := cfg.Int("port"); port != 0 {
		e.port = port
	}
	if username := cfg.String("username"); username != "" {
		e.username = username
	}
	if password := cfg.String("password"); password != "" {
		e.password = password
	}
	if from := cfg.String("from"); from != "" {
		e.from = from
	}
	if to := cfg.Strings("to"); len(to) > 0 {
		e.to = to
	}
	if e.port == 0 {
		e.port = 587
	}
	e.enabled = cfg.IsEnabled()
	e.filter = cfg.Filter()
	if e.send == nil {
		e.send = smtp.SendMail
	}

	if e.host == "" || e.from == "" || len(e.to) == 0 {
		return fmt.Errorf("email: host, from, and to are required")
	}
	return nil
}

func (e *Email) Send(ctx context.Context, event core.RiskEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := "[RiskGuard] " + notifier.Title(event)
	return e.sendEmail(subject, e.formatEventHTML(event))
}

func (e *Email) formatEventHTML(event core.RiskEvent) string {
	color := severityColor(event.Severity)

	var sb strings.Builder
	sb.WriteString("<html><body>")
	fmt.Fprintf(&sb, "<h2 style=\"color: %s;\">%s</h2>", color, html.EscapeString(notifier.Title(event)))
	for _, line := range notifier.Lines(event) {
		label, value, _ := strings.Cut(line, ": ")
		fmt.Fprintf(&sb, "<p><strong>%s:</strong> %s</p>", html.EscapeString(label), html.EscapeString(value))
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func severityColor(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return "#dc3545" // red
	case core.SeverityHigh:
		return "#fd7e14" // orange
	case core.SeverityWarning:
		return "#ffc107"
	}
	return "#6c757d"
}

func (e *Email) sendEmail(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", e.host, e.port)

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}

	contentType := "text/plain"
	if strings.Contains(body, "<html>") {
		contentType = "text/html"
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: %s; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		e.from,
		strings.Join(e.to, ","),
		subject,
		contentType,
		body,
	)

	if err := e.send(addr, auth, e.from, e.to, []byte(msg)); err != nil {
		return fmt.Errorf("email: send to %s: %w", addr, err)
	}
	return nil
}
