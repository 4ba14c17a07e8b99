package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
)

// webhookNotifier posts notifications to a chat webhook (Slack or Discord
// compatible "content"/"text" payload).
type webhookNotifier struct {
	url      string
	minLevel models.AlertLevel
	client   *http.Client
}

// NewWebhookNotifier returns a Notifier that posts notifications at or above
// minLevel to url.
func NewWebhookNotifier(url string, minLevel models.AlertLevel) Notifier {
	return &webhookNotifier{
		url:      url,
		minLevel: minLevel,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookMessage struct {
	Text    string       `json:"text"`
	Content string       `json:"content"`
	Event   Notification `json:"event"`
}

func (w *webhookNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Level.Rank() < w.minLevel.Rank() {
		return nil
	}

	text := formatMessage(n)
	body, err := json.Marshal(webhookMessage{Text: text, Content: text, Event: n})
	if err != nil {
		return fmt.Errorf("marshaling webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s", levelEmoji(n.Level), strings.ToUpper(string(n.Level)), n.Title)
	if n.Agent != "" {
		fmt.Fprintf(&b, " (agent %s)", n.Agent)
	}
	if n.Message != "" {
		b.WriteString("\n" + n.Message)
	}
	fmt.Fprintf(&b, "\n_%s_", n.Timestamp.UTC().Format("2006-01-02 15:04 UTC"))
	return b.String()
}

func levelEmoji(level models.AlertLevel) string {
	switch level {
	case models.AlertCritical:
		return "\U0001f6a8"
	case models.AlertError:
		return "\U0001f534"
	case models.AlertWarning:
		return "\U0001f7e1"
	default:
		return "\U0001f535"
	}
}
