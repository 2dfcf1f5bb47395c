package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// WebhookConfig configures the generic JSON webhook sink.
type WebhookConfig struct {
	URL    string `yaml:"url" json:"url"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// Webhook POSTs each Message as JSON, signed when a secret is set.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook sink.
func NewWebhook(cfg WebhookConfig, client *http.Client) *Webhook {
	return &Webhook{cfg: cfg, client: defaultClient(client)}
}

// Sign returns the header value for body: "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a SignatureHeader value. The "sha256=" prefix is optional.
func Verify(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	fail := func(err error) error { return &SendError{Sink: "webhook", Cause: err} }

	body, err := json.Marshal(msg)
	if err != nil {
		return fail(fmt.Errorf("marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("post: %w", err))
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fail(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
	return nil
}
