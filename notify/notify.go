// Package notify delivers find notifications to outbound sinks: Telegram,
// Discord webhooks, signed HTTP webhooks and the process log.
//
//	n := notify.Multi(
//		notify.NewTelegram(notify.TelegramConfig{BotToken: tok, ChatID: chat}, nil),
//		notify.NewLog(logger),
//	)
//	err := n.Notify(ctx, msg)
//
// A failing sink never blocks the others. Errors are *SendError values,
// joined when several sinks fail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Message is one find ready for delivery.
type Message struct {
	Profile  string    `json:"profile"`
	ItemID   string    `json:"item_id"`
	Title    string    `json:"title"`
	Price    string    `json:"price"`   // rendered price, e.g. "1 250 CZK"
	Details  string    `json:"details"` // "Stav: … – Velikost: …"
	URL      string    `json:"url"`
	PhotoURL string    `json:"photo_url,omitempty"`
	Text     string    `json:"text"` // plain two-line rendering
	FoundAt  time.Time `json:"found_at"`
}

// Notifier delivers a Message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// SendError is returned when a sink could not deliver a message.
type SendError struct {
	Sink  string
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notify: %s: %v", e.Sink, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// Failures flattens err into the SendErrors it carries.
func Failures(err error) []*SendError {
	switch e := err.(type) {
	case nil:
		return nil
	case *SendError:
		return []*SendError{e}
	case interface{ Unwrap() []error }:
		var out []*SendError
		for _, inner := range e.Unwrap() {
			out = append(out, Failures(inner)...)
		}
		return out
	}
	var se *SendError
	if errors.As(err, &se) {
		return []*SendError{se}
	}
	return nil
}

// Config selects the sinks built by FromConfig. The log sink is always on.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Discord  DiscordConfig  `yaml:"discord" json:"discord"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook"`
}

// FromConfig builds the configured sinks behind one Multi.
func FromConfig(cfg Config, client *http.Client, logger *slog.Logger) Notifier {
	sinks := []Notifier{NewLog(logger)}
	if cfg.Telegram.Enabled() {
		sinks = append(sinks, NewTelegram(cfg.Telegram, client))
	}
	if cfg.Discord.WebhookURL != "" {
		sinks = append(sinks, NewDiscordWebhook(cfg.Discord.WebhookURL, client))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhook(cfg.Webhook, client))
	}
	return Multi(sinks...)
}

type multi []Notifier

// Multi fans a message out to every sink in order.
func Multi(sinks ...Notifier) Notifier {
	return multi(sinks)
}

func (m multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each message to a slog.Logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.logger.Info("notify: new find", "profile", msg.Profile, "item_id", msg.ItemID, "text", msg.Text)
	return nil
}

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}
