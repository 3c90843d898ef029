// Package notify delivers out-of-band notifications to humans when an
// approval is assigned, reminded, or resolved.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/model"
)

// Notification kinds.
const (
	KindAssignment = "assignment"
	KindReminder   = "reminder"
)

// Notification is one message addressed to a human reviewer.
type Notification struct {
	Kind       string         `json:"kind"`
	Recipient  string         `json:"recipient"`
	ApprovalID string         `json:"approval_id"`
	WorkflowID string         `json:"workflow_id"`
	Subject    string         `json:"subject"`
	Priority   int            `json:"priority"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier delivers notifications. Delivery is best-effort; the approval
// registry logs failures and moves on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. The default when no
// webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.logger.Info("approval notification",
		zap.String("kind", msg.Kind),
		zap.String("recipient", msg.Recipient),
		zap.String("approval_id", msg.ApprovalID),
		zap.String("workflow_id", msg.WorkflowID),
		zap.String("subject", msg.Subject),
		zap.Int("priority", msg.Priority),
		zap.Time("expires_at", msg.ExpiresAt))
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. A nil client gets a default
// with a 10s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return model.NewInternalError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
