package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/machinewatch/machinewatch/pkg/types"
)

// webhookTransport POSTs alerts to an HTTP endpoint. It is stateless, so
// Dial returns the transport itself.
type webhookTransport struct {
	kind   string // slack | teams | http
	url    string
	client *http.Client
}

// NewWebhook returns a Transport for a slack, teams or plain http webhook.
func NewWebhook(kind, url string) Transport {
	return &webhookTransport{
		kind:   kind,
		url:    url,
		client: &http.Client{Timeout: sendTimeout},
	}
}

func (w *webhookTransport) String() string { return "webhook:" + w.kind }

func (w *webhookTransport) Dial(context.Context) (Sink, error) { return w, nil }

func (w *webhookTransport) Close() error { return nil }

func (w *webhookTransport) Send(ctx context.Context, e Envelope) error {
	var payload interface{}
	switch w.kind {
	case "slack":
		payload = slackPayload(e.Alert)
	case "teams":
		payload = teamsPayload(e.Alert)
	default:
		payload = e
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	return w.post(ctx, body)
}

func slackPayload(a types.Alert) map[string]string {
	return map[string]string{
		"text": fmt.Sprintf("*%s* machine %d: %s (p=%.2f) at %s",
			severityLabel(a.AlertType), a.MachineID, a.Message, a.Probability,
			a.CreatedAt.UTC().Format(time.RFC3339)),
	}
}

func teamsPayload(a types.Alert) map[string]interface{} {
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.AlertType),
		"summary":    fmt.Sprintf("machine %d %s", a.MachineID, a.AlertType),
		"title":      fmt.Sprintf("machinewatch alert: machine %d", a.MachineID),
		"text":       fmt.Sprintf("%s %s (p=%.2f)", severityLabel(a.AlertType), a.Message, a.Probability),
	}
}

func (w *webhookTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("webhook returned HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(t types.AlertType) string {
	switch t {
	case types.AlertCritical:
		return "[CRITICAL]"
	case types.AlertWarning:
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(t types.AlertType) string {
	switch t {
	case types.AlertCritical:
		return "FF4F6A"
	case types.AlertWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
