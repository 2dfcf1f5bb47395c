package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// discordLimit is the maximum content length Discord accepts.
const discordLimit = 2000

// DiscordConfig configures the Discord sink.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

// DiscordWebhook posts finds to a Discord channel webhook.
type DiscordWebhook struct {
	url    string
	client *http.Client
}

// NewDiscordWebhook creates a Discord sink for webhookURL.
func NewDiscordWebhook(webhookURL string, client *http.Client) *DiscordWebhook {
	return &DiscordWebhook{url: webhookURL, client: defaultClient(client)}
}

func (d *DiscordWebhook) Notify(ctx context.Context, msg Message) error {
	fail := func(err error) error { return &SendError{Sink: "discord", Cause: err} }

	content := msg.Text
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-1]) + "…"
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fail(fmt.Errorf("marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("post: %w", err))
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fail(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
