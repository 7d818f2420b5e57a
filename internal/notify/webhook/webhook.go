// Package webhook posts change notifications to a Discord-compatible
// webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/syllabus-indexer/internal/notify"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Notifier posts {"content": ...} to a webhook URL.
type Notifier struct {
	url    string
	client *http.Client
}

// New builds a Notifier. A nil client gets a 10s timeout.
func New(url string, client *http.Client) (*Notifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{url: url, client: client}, nil
}

type payload struct {
	Content string `json:"content"`
}

// Notify implements syllabus.Notifier.
func (n *Notifier) Notify(ctx context.Context, change syllabus.Change) error {
	body, err := json.Marshal(payload{Content: notify.Message(change)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
