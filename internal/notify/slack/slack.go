// Package slack sends incident escalation notifications to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/incident"
)

const (
	maxTechniquesLen = 1000
	httpTimeout      = 10 * time.Second
	queueSize        = 64
)

// Notifier sends escalations to a Slack webhook. Escalations are queued
// by Notify and delivered by Run so ingestion never waits on Slack.
type Notifier struct {
	webhookURL  string
	minSeverity alert.Severity
	client      *http.Client
	logger      log.Logger
	queue       chan incident.Escalation
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a
// no-op. Escalations below minSeverity are dropped; an empty minSeverity
// forwards all of them.
func New(webhookURL string, minSeverity alert.Severity, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL:  webhookURL,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: httpTimeout},
		logger:      logger,
		queue:       make(chan incident.Escalation, queueSize),
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

func (n *Notifier) wants(e incident.Escalation) bool {
	return n.minSeverity == "" || e.Incident.HighestSeverity.Rank() >= n.minSeverity.Rank()
}

// Notify queues escalations for delivery. It never blocks; escalations
// that do not fit in the queue are dropped and logged.
func (n *Notifier) Notify(ctx context.Context, escalations []incident.Escalation) {
	if !n.Enabled() {
		return
	}
	for _, e := range escalations {
		if !n.wants(e) {
			continue
		}
		select {
		case n.queue <- e:
		default:
			n.logger.Warn(ctx, "slack queue full, dropping escalation", "source_ip", e.Incident.SourceIP)
		}
	}
}

// Run delivers queued escalations until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-n.queue:
			if err := n.Send(ctx, e); err != nil {
				n.logger.Error(ctx, err, "failed to send slack notification", "source_ip", e.Incident.SourceIP)
			}
		}
	}
}

// Send posts one escalation to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, e incident.Escalation) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(e)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(e incident.Escalation) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			{"type": "divider"},
			techniquesBlock(e),
			{"type": "divider"},
			contextBlock(e),
		},
	}
}

func headerBlock(e incident.Escalation) map[string]any {
	emoji := severityEmoji(e.Incident.HighestSeverity)
	title := "Incident escalated"
	if e.New() {
		title = "New incident"
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, e.Incident.SourceIP)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(e incident.Escalation) map[string]any {
	inc := e.Incident
	previous := string(e.Previous)
	if previous == "" {
		previous = "-"
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", inc.HighestSeverity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Previous:* %s", previous),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alerts:* %d", len(inc.Alerts)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Open:* %d", inc.Open),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*First seen:* %s", formatTime(inc.FirstSeen)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Last seen:* %s", formatTime(inc.LastSeen)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func techniquesBlock(e incident.Escalation) map[string]any {
	text := truncate(strings.Join(e.Incident.Techniques, ", "), maxTechniquesLen)
	if text == "" {
		text = "_No techniques mapped._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Techniques*\n\n%s", text),
		},
	}
}

func contextBlock(e incident.Escalation) map[string]any {
	attacks := make([]string, 0, 3)
	seen := make(map[string]bool)
	for _, a := range e.Incident.Alerts {
		if seen[a.AttackName] || len(attacks) == cap(attacks) {
			continue
		}
		seen[a.AttackName] = true
		attacks = append(attacks, a.AttackName)
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("idswatch • %s • %s", strings.Join(attacks, ", "), formatTime(e.Incident.LastSeen)),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func severityEmoji(severity alert.Severity) string {
	switch severity {
	case alert.SeverityHigh:
		return "\U0001f534" // red circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
