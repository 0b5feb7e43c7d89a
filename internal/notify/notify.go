// Package notify delivers human-readable messages about terminal states
// and judgment gates. Delivery is fire-and-forget: failures are logged,
// never pipeline-fatal. The one exception is the urgent rollback-failure
// message, which gets a second attempt.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Message is one notification. LedgerRef points readers at the audit
// records for the execution.
type Message struct {
	ExecutionID string `json:"execution_id"`
	Service     string `json:"service"`
	ArtifactID  string `json:"artifact_id"`
	Event       string `json:"event"`
	Text        string `json:"text"`
	LedgerRef   string `json:"ledger_ref"`
	Urgent      bool   `json:"urgent,omitempty"`
}

// Notifier sends a message to the configured channel.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookNotifier posts messages as JSON to a webhook URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// NewWebhookNotifier creates a notifier posting to the given URL.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = n.post(ctx, body)
	if err != nil && msg.Urgent {
		// Urgent messages (rollback failures) get one retry before we
		// fall back to logging.
		n.Logger.Warn("Urgent notification failed, retrying", "error", err, "execution", msg.ExecutionID)
		err = n.post(ctx, body)
	}
	if err != nil {
		n.Logger.Error("Notification delivery failed", "error", err,
			"execution", msg.ExecutionID, "event", msg.Event, "urgent", msg.Urgent)
		return err
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes messages to the logger only. It is the default when
// no webhook URL is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	level := slog.LevelInfo
	if msg.Urgent {
		level = slog.LevelError
	}
	n.Logger.Log(context.Background(), level, "notification",
		"execution", msg.ExecutionID,
		"service", msg.Service,
		"artifact", msg.ArtifactID,
		"event", msg.Event,
		"text", msg.Text,
		"ledger_ref", msg.LedgerRef)
	return nil
}

// Recorder captures messages for tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, msg)
	return nil
}

// Sent returns a copy of the captured messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.Messages))
	copy(out, r.Messages)
	return out
}
