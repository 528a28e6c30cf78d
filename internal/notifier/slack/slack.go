// Package slack implements a Slack incoming-webhook notifier
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/notifier"
)

// Slack implements notifier.Channel for Slack incoming webhooks
type Slack struct {
	url      string
	channel  string
	username string
	headers  map[string]string
	client   *http.Client

	enabled bool
	filter  notifier.Filter
}

type attachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts"`
}

type message struct {
	Text        string       `json:"text"`
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Attachments []attachment `json:"attachments"`
}

// New creates a new Slack notifier
func New(url string, headers map[string]string) *Slack {
	return &Slack{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
		enabled: true,
		filter:  notifier.DefaultFilter,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Enabled() bool { return s.enabled }

func (s *Slack) ShouldHandle(event core.RiskEvent) bool {
	if s.filter == nil {
		return notifier.DefaultFilter(event)
	}
	return s.filter(event)
}

func (s *Slack) Init(cfg notifier.Config) error {
	if url := cfg.String("webhook_url"); url != "" {
		s.url = url
	}
	if channel := cfg.String("channel"); channel != "" {
		s.channel = channel
	}
	if username := cfg.String("username"); username != "" {
		s.username = username
	}
	if headers, ok := cfg.Params["headers"].(map[string]any); ok {
		s.headers = make(map[string]string, len(headers))
		for k, v := range headers {
			s.headers[k] = fmt.Sprint(v)
		}
	}
	s.enabled = cfg.IsEnabled()
	s.filter = cfg.Filter()

	if s.url == "" {
		return fmt.Errorf("slack: webhook_url is required")
	}

	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}

	return nil
}

func (s *Slack) Send(ctx context.Context, event core.RiskEvent) error {
	return s.post(ctx, s.eventToMessage(event))
}

func (s *Slack) eventToMessage(event core.RiskEvent) message {
	return message{
		Text:     notifier.Title(event),
		Channel:  s.channel,
		Username: s.username,
		Attachments: []attachment{{
			Color:  severityColor(event.Severity),
			Title:  string(event.EventType),
			Text:   strings.Join(notifier.Lines(event), "\n"),
			Footer: "riskguard",
			Ts:     event.Timestamp.Unix(),
		}},
	}
}

func severityColor(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return "danger"
	case core.SeverityHigh, core.SeverityWarning:
		return "warning"
	}
	return "good"
}

func (s *Slack) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack: server returned %d", resp.StatusCode)
	}

	return nil
}
