package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TelegramConfig configures the Bot API sink.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
	// APIBase defaults to https://api.telegram.org.
	APIBase string `yaml:"api_base,omitempty" json:"api_base,omitempty"`
}

// Enabled reports whether both token and chat are set.
func (c TelegramConfig) Enabled() bool { return c.BotToken != "" && c.ChatID != "" }

// Telegram posts finds through sendMessage with HTML formatting.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	strict *bluemonday.Policy
}

// NewTelegram creates a Telegram sink. A nil client gets a 15s timeout.
func NewTelegram(cfg TelegramConfig, client *http.Client) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	return &Telegram{cfg: cfg, client: defaultClient(client), strict: bluemonday.StrictPolicy()}
}

type telegramRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// render builds the HTML body. Listing text comes from sellers, so every
// user-supplied field goes through the strict policy.
func (t *Telegram) render(msg Message) string {
	var b strings.Builder
	b.WriteString("🆕 <b>")
	b.WriteString(t.strict.Sanitize(msg.Title))
	b.WriteString("</b>\n")
	line := msg.Price
	if msg.Details != "" {
		line += " – " + msg.Details
	}
	if line != "" {
		b.WriteString(t.strict.Sanitize(line))
		b.WriteString("\n")
	}
	if strings.HasPrefix(msg.URL, "http") {
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", html.EscapeString(msg.URL), html.EscapeString(msg.URL))
	}
	b.WriteString("<i>")
	b.WriteString(t.strict.Sanitize(msg.Profile))
	b.WriteString("</i>")
	return b.String()
}

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	fail := func(err error) error { return &SendError{Sink: "telegram", Cause: err} }

	body, err := json.Marshal(telegramRequest{ChatID: t.cfg.ChatID, Text: t.render(msg), ParseMode: "HTML"})
	if err != nil {
		return fail(fmt.Errorf("marshal: %w", err))
	}
	url := strings.TrimRight(t.cfg.APIBase, "/") + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; drop it from the error.
		return fail(fmt.Errorf("sendMessage: %s", strings.ReplaceAll(err.Error(), t.cfg.BotToken, "***")))
	}
	defer resp.Body.Close()

	var out telegramResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &out); err != nil || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return fail(fmt.Errorf("sendMessage returned %d: %s", resp.StatusCode, desc))
	}
	return nil
}
