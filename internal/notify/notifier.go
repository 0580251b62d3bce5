// Package notify delivers the outbound "incoming call" notification. Delivery
// is advisory: a failed or slow notification must never block call setup, so
// callers fire it from a goroutine and the implementation keeps its own
// deadline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IncomingCall is the notification payload.
type IncomingCall struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	TargetID   string `json:"targetId"`
	ContextID  string `json:"contextId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Priority   string `json:"priority"`
	ActionURL  string `json:"actionUrl"`
	ActionText string `json:"actionText"`
}

// Notifier sends call notifications to an external notification service.
type Notifier interface {
	IncomingCall(ctx context.Context, targetID, contextID, callerID, callerName string) error
}

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// NewWebhookNotifier builds a notifier for the given endpoint.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("notify"),
	}
}

func (n *WebhookNotifier) IncomingCall(ctx context.Context, targetID, contextID, callerID, callerName string) error {
	if callerName == "" {
		callerName = "Someone"
	}
	payload := IncomingCall{
		ID:         uuid.NewString(),
		Type:       "incoming_call",
		TargetID:   targetID,
		ContextID:  contextID,
		CallerID:   callerID,
		CallerName: callerName,
		Title:      "Incoming Call",
		Message:    fmt.Sprintf("%s is calling you", callerName),
		Priority:   "urgent",
		ActionURL:  fmt.Sprintf("/conversation/%s?caller=%s", contextID, callerID),
		ActionText: "Answer",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	n.log.Debug("incoming-call notification delivered",
		zap.String("target", targetID),
		zap.String("context", contextID))
	return nil
}

// NopNotifier discards notifications; used when no endpoint is configured.
type NopNotifier struct{}

func (NopNotifier) IncomingCall(context.Context, string, string, string, string) error {
	return nil
}
