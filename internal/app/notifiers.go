package app

import (
	"fmt"
	"strings"

	"github.com/newthinker/riskguard/internal/notifier"
	"github.com/newthinker/riskguard/internal/notifier/email"
	"github.com/newthinker/riskguard/internal/notifier/slack"
	"github.com/newthinker/riskguard/internal/notifier/telegram"
)

// newChannel builds and initializes the channel named by cfg.Type.
func newChannel(cfg notifier.Config) (notifier.Channel, error) {
	var ch interface {
		notifier.Channel
		Init(notifier.Config) error
	}

	switch strings.ToLower(cfg.Type) {
	case "email":
		ch = email.New("", 0, "", "", "", nil)
	case "slack", "webhook":
		ch = slack.New("", nil)
	case "telegram":
		ch = telegram.New("", "")
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}

	if err := ch.Init(cfg); err != nil {
		return nil, err
	}
	return ch, nil
}
