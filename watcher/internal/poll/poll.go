// Package poll runs one profile's fetch-and-reconcile cycle: request the
// catalog API with retry and backoff, normalize, sort, dedup against the
// profile's seen-set and apply its keyword filter.
//
// The engine never mutates the profile. Result.NewIDs is committed by the
// caller once the finds are persisted.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/hazyhaar/vintwatch/watcher/internal/filter"
	"github.com/hazyhaar/vintwatch/watcher/internal/item"
	"github.com/hazyhaar/vintwatch/watcher/internal/profiles"
	"github.com/hazyhaar/vintwatch/watcher/internal/query"
)

var (
	// ErrExhausted is returned when every attempt failed with a retryable class.
	ErrExhausted = errors.New("poll: attempts exhausted")
	// ErrDecode is returned for a malformed response body.
	ErrDecode = errors.New("poll: malformed response")
	// ErrStatus is returned for a non-retryable HTTP status.
	ErrStatus = errors.New("poll: unexpected status")
)

// Outcome summarizes a poll for logs and metrics.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeOK        Outcome = "ok"
	OutcomeEmpty     Outcome = "empty"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeDecode    Outcome = "decode_error"
	OutcomeHTTP      Outcome = "http_error"
	OutcomeCanceled  Outcome = "canceled"
)

// Client is the session surface the engine needs.
type Client interface {
	Do(*http.Request) (*http.Response, error)
	UserAgent() string
	RotateUserAgent() (string, bool)
	CSRFToken() string
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	MaxAttempts    int           // default 5
	RequestTimeout time.Duration // default 35s
	MaxDelay       time.Duration // default 240s
	Multiplier     float64       // default 1.8
	MaxBodyBytes   int64         // default 10 MiB

	// Sleep waits between attempts. Default: SleepCtx.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter overrides the backoff jitter.
	Jitter func() time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 35 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 240 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1.8
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.Sleep == nil {
		c.Sleep = SleepCtx
	}
}

// Result is the outcome of one Poll.
type Result struct {
	Items    []item.Item // new finds, most recent first
	NewIDs   []string    // ids to add to the seen-set
	Outcome  Outcome
	Attempts int
	Fetched  int     // items returned by the API
	Filtered int     // unseen items rejected by the keyword filter
	Retries  []Class // class of every failed attempt that was retried
}

// Engine polls profiles. It holds no per-profile state.
type Engine struct {
	cfg        Config
	backoff    Backoff
	matcher    *filter.Matcher
	normalizer *item.Normalizer
	logger     *slog.Logger
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		backoff:    Backoff{Multiplier: cfg.Multiplier, Max: cfg.MaxDelay, Jitter: cfg.Jitter},
		matcher:    filter.NewMatcher(logger),
		normalizer: item.New(logger),
		logger:     logger,
	}
}

type apiResponse struct {
	Items []json.RawMessage `json:"items"`
}

// Poll fetches the profile's search and returns its new finds. The Result is
// always usable; a non-nil error explains a terminal outcome.
func (e *Engine) Poll(ctx context.Context, c Client, p *profiles.Profile) (Result, error) {
	log := e.logger.With("profile", p.Name)
	if p.URL == "" {
		log.Warn("poll: profile has no search url, skipping")
		return Result{Outcome: OutcomeSkipped}, nil
	}

	req := query.Translate(p.URL, log)
	log.Info("poll: fetching", "endpoint", req.Endpoint, "params", req.Params.Encode())

	var res Result
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt + 1
		body, class, err := e.fetch(ctx, c, req)
		if err == nil {
			return e.reconcile(body, req.Origin, p, res, log)
		}
		if ctx.Err() != nil {
			res.Outcome = OutcomeCanceled
			return res, ctx.Err()
		}

		policy, known := Policies[class]
		if !known || !policy.Retryable {
			log.Error("poll: terminal failure", "class", class, "attempt", res.Attempts, "error", err)
			res.Outcome = OutcomeHTTP
			if class == ClassDecode {
				res.Outcome = OutcomeDecode
			}
			return res, err
		}

		log.Warn("poll: attempt failed", "class", class, "attempt", res.Attempts, "max", e.cfg.MaxAttempts, "error", err)
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}
		res.Retries = append(res.Retries, class)
		delay := e.backoff.Delay(policy.BaseDelay, attempt)
		log.Info("poll: backing off", "delay", delay.Round(10*time.Millisecond).String(), "next_attempt", attempt+2)
		if err := e.cfg.Sleep(ctx, delay); err != nil {
			res.Outcome = OutcomeCanceled
			return res, err
		}
		if policy.RotateUA {
			if ua, changed := c.RotateUserAgent(); changed {
				log.Info("poll: user agent rotated", "user_agent", ua)
			}
		}
	}

	log.Error("poll: giving up", "attempts", res.Attempts)
	res.Outcome = OutcomeExhausted
	return res, fmt.Errorf("%w after %d attempts", ErrExhausted, res.Attempts)
}

// fetch performs one attempt and returns the body or the failure class.
func (e *Engine) fetch(ctx context.Context, c Client, q query.Request) ([]byte, Class, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.URL(), nil)
	if err != nil {
		return nil, ClassHTTP, fmt.Errorf("poll: build request: %w", err)
	}
	req.Header = APIHeaders(c.UserAgent(), q.Origin, q.Referer(), c.CSRFToken())

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err), fmt.Errorf("poll: GET %s: %w", q.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		e.logger.Debug("poll: error body", "status", resp.StatusCode, "body", string(snippet))
		return nil, ClassifyStatus(resp.StatusCode), fmt.Errorf("%w: status %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, ClassifyError(err), fmt.Errorf("poll: read body: %w", err)
	}
	return body, "", nil
}

func (e *Engine) reconcile(body []byte, origin string, p *profiles.Profile, res Result, log *slog.Logger) (Result, error) {
	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		snippet := body
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		log.Error("poll: decode response", "error", err)
		log.Debug("poll: response text", "body", string(snippet))
		res.Outcome = OutcomeDecode
		return res, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	res.Fetched = len(payload.Items)
	if res.Fetched == 0 {
		log.Info("poll: api returned no items")
		res.Outcome = OutcomeEmpty
		return res, nil
	}
	log.Info("poll: items received", "count", res.Fetched)

	items := make([]item.Item, 0, len(payload.Items))
	for _, rawJSON := range payload.Items {
		var raw item.Raw
		if err := json.Unmarshal(rawJSON, &raw); err != nil {
			log.Debug("poll: item record unreadable, dropping", "error", err)
			continue
		}
		it := e.normalizer.Normalize(raw, origin)
		if it.ID == "" {
			continue
		}
		items = append(items, it)
	}

	slices.SortStableFunc(items, func(a, b item.Item) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})

	batch := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := batch[it.ID]; dup || p.HasSeen(it.ID) {
			continue
		}
		batch[it.ID] = struct{}{}
		if !e.matcher.Match(it.Title, p.Filters) {
			res.Filtered++
			continue
		}
		res.Items = append(res.Items, it)
		res.NewIDs = append(res.NewIDs, it.ID)
	}

	res.Outcome = OutcomeOK
	if len(res.Items) > 0 {
		log.Info("poll: new finds", "count", len(res.Items), "filtered_unseen", res.Filtered)
		for _, it := range res.Items {
			log.Info("poll: find", "text", item.Format(it))
		}
	} else {
		log.Info("poll: no new items", "received", res.Fetched, "filtered_unseen", res.Filtered)
	}
	return res, nil
}
