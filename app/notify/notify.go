// Package notify delivers job-completion notifications to an external webhook
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pkgz/notify"
)

// Completion posts a JSON payload to a configured webhook when a job finishes.
// A nil *Completion is a valid no-op sender.
type Completion struct {
	webhook *notify.Webhook
	url     string
}

// NewCompletion creates a webhook sender, nil if no URL configured
func NewCompletion(url string, timeout time.Duration) *Completion {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wh := notify.NewWebhook(notify.WebhookParams{
		Timeout: timeout,
		Headers: []string{"Content-Type:application/json"},
	})
	return &Completion{webhook: wh, url: url}
}

// Send posts the completion payload. Safe to call on a nil receiver.
func (c *Completion) Send(ctx context.Context, jobID string, artifactURLs []string) error {
	if c == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"event":     "video_complete",
		"jobId":     jobID,
		"artifacts": artifactURLs,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion payload: %w", err)
	}

	if err := c.webhook.Send(ctx, c.url, string(payload)); err != nil {
		return fmt.Errorf("failed to send completion webhook: %w", err)
	}
	return nil
}
