package telegram

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

const defaultAPIBase = "https://api.telegram.org"

// Telegram implements notifier.Channel for the Telegram Bot API
type Telegram struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client

	enabled bool
	filter  notifier.Filter
}

// New creates a new Telegram notifier
func New(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		enabled: true,
		filter:  notifier.DefaultFilter,
	}
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) Enabled() bool { return t.enabled }

func (t *Telegram) ShouldHandle(event core.RiskEvent) bool {
	if t.filter == nil {
		return notifier.DefaultFilter(event)
	}
	return t.filter(event)
}

func (t *Telegram) Init(cfg notifier.Config) error {
	if token := cfg.String("bot_token"); token != "" {
		t.botToken = token
	}
	if chatID := cfg.String("chat_id"); chatID != "" {
		t.chatID = chatID
	}
	if base := cfg.String("api_base"); base != "" {
		t.apiBase = strings.TrimRight(base, "/")
	}
	if t.apiBase == "" {
		t.apiBase = defaultAPIBase
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 30 * time.Second}
	}
	t.enabled = cfg.IsEnabled()
	t.filter = cfg.Filter()

	if t.botToken == "" {
		return fmt.Errorf("telegram: bot_token is required")
	}
	if t.chatID == "" {
		return fmt.Errorf("telegram: chat_id is required")
	}

	return nil
}

func (t *Telegram) Send(ctx context.Context, event core.RiskEvent) error {
	return t.sendMessage(ctx, t.formatEvent(event))
}

func (t *Telegram) formatEvent(event core.RiskEvent) string {
	var sb strings.Builder

	emoji := "ℹ️"
	switch event.Severity {
	case core.SeverityCritical:
		emoji = "🚨"
	case core.SeverityHigh:
		emoji = "⚠️"
	case core.SeverityWarning:
		emoji = "🟡"
	}

	sb.WriteString(fmt.Sprintf("%s *%s*\n", emoji, escapeMarkdown(notifier.Title(event))))
	for _, line := range notifier.Lines(event) {
		sb.WriteString(escapeMarkdown(line))
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result map[string]any
		json.NewDecoder(resp.Body).Decode(&result)
		return fmt.Errorf("telegram: API error (status %d): %v", resp.StatusCode, result)
	}

	return nil
}
