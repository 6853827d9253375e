// Package slack delivers terminal run failures to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

// Config captures the subset of Slack webhook behaviour the sink needs.
type Config struct {
	// WebhookURL is the default incoming webhook. Required unless every
	// channel the sink serves has an entry in ChannelURLs.
	WebhookURL string

	// ChannelURLs maps alert channel names to dedicated webhooks. Channels
	// without an entry post to WebhookURL.
	ChannelURLs map[string]string

	Username string // defaults to "tspjob"
}

// Sink is a runtime.AlertSink posting formatted failure messages to Slack.
type Sink struct {
	defaultURL  string
	channelURLs map[string]string
	username    string
}

// New validates cfg and builds a sink.
func New(cfg Config) (*Sink, error) {
	defaultURL := strings.TrimSpace(cfg.WebhookURL)
	if defaultURL == "" && len(cfg.ChannelURLs) == 0 {
		return nil, errors.New("slack webhook url is required")
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "tspjob"
	}
	return &Sink{
		defaultURL:  defaultURL,
		channelURLs: cfg.ChannelURLs,
		username:    username,
	}, nil
}

func (s *Sink) Emit(ctx context.Context, channel string, event runtime.AlertEvent) error {
	url := s.defaultURL
	if u, ok := s.channelURLs[channel]; ok {
		url = u
	}
	if url == "" {
		return fmt.Errorf("no webhook configured for channel %q", channel)
	}

	msg := &slack.WebhookMessage{
		Username: s.username,
		Text:     formatEvent(event),
	}
	if err := slack.PostWebhookContext(ctx, url, msg); err != nil {
		return fmt.Errorf("slack webhook post failed: %w", err)
	}
	return nil
}

func formatEvent(event runtime.AlertEvent) string {
	var text strings.Builder
	switch event.Status {
	case domain.StatusDead:
		text.WriteString("*Job dead-lettered*")
	default:
		text.WriteString("*Job run failed*")
	}
	fmt.Fprintf(&text, " `%s`\n", event.JobName)

	appendField(&text, "Run", event.RunID)
	appendField(&text, "Status", string(event.Status))
	appendField(&text, "Error kind", string(event.ErrorKind))
	appendField(&text, "Error", event.ErrorMessage)
	appendField(&text, "Attempt", fmt.Sprintf("%d", event.Attempt))
	if event.DurationMS > 0 {
		appendField(&text, "Duration", fmt.Sprintf("%dms", event.DurationMS))
	}
	if !event.ScheduledFor.IsZero() {
		appendField(&text, "Scheduled for", event.ScheduledFor.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(text.String(), "\n")
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(escapeText(value))
	text.WriteByte('\n')
}

func escapeText(value string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}
