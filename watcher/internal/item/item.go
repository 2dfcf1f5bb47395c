// Package item normalizes raw catalog API records into canonical items.
package item

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Unavailable marks a missing text field.
const Unavailable = "N/A"

// Timestamp sources, in priority order.
const (
	SourcePhoto     = "photo.high_resolution.timestamp"
	SourceCreatedTS = "created_at_ts"
	SourceCreatedAt = "created_at"
	SourceUnknown   = "unknown"
)

// Item is a canonical listing. Timestamp is unix seconds; 0 means unknown.
type Item struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	PriceNumeric    *float64 `json:"price_numeric"`
	PriceRaw        string   `json:"price_str"`
	Currency        string   `json:"currency"`
	Status          string   `json:"status"`
	Size            string   `json:"size"`
	Brand           string   `json:"brand"`
	URL             string   `json:"url"`
	PhotoURL        *string  `json:"photo_url"`
	Timestamp       int64    `json:"vinted_item_timestamp"`
	TimestampSource string   `json:"_timestamp_source"`
}

// Raw is one element of the API "items" array. Decoding only fails when the
// element is not an object; a field of the wrong type reads as absent.
type Raw struct {
	ID          json.RawMessage `json:"id"`
	Title       *string         `json:"title"`
	Price       json.RawMessage `json:"price"`
	Currency    string          `json:"currency"`
	Status      *string         `json:"status"`
	SizeTitle   *string         `json:"size_title"`
	BrandTitle  *string         `json:"brand_title"`
	URL         string          `json:"url"`
	Photo       *rawPhoto       `json:"photo"`
	CreatedAtTS json.RawMessage `json:"created_at_ts"`
	CreatedAt   json.RawMessage `json:"created_at"`
}

type rawPhoto struct {
	URL            string   `json:"url"`
	HighResolution *rawHiRes `json:"high_resolution"`
}

type rawHiRes struct {
	URL       string          `json:"url"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON decodes each field on its own.
func (r *Raw) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Raw{
		ID:          m["id"],
		Title:       text(m["title"]),
		Price:       m["price"],
		Currency:    deref(text(m["currency"])),
		Status:      text(m["status"]),
		SizeTitle:   text(m["size_title"]),
		BrandTitle:  text(m["brand_title"]),
		URL:         deref(text(m["url"])),
		CreatedAtTS: m["created_at_ts"],
		CreatedAt:   m["created_at"],
	}
	photo, ok := object(m["photo"])
	if !ok {
		return nil
	}
	r.Photo = &rawPhoto{URL: deref(text(photo["url"]))}
	if hr, ok := object(photo["high_resolution"]); ok {
		r.Photo.HighResolution = &rawHiRes{URL: deref(text(hr["url"])), Timestamp: hr["timestamp"]}
	}
	return nil
}

// object decodes raw when it is a JSON object.
func object(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		return nil, false
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return nil, false
	}
	return m, true
}

// text returns raw as a string when it is a JSON string.
func text(raw json.RawMessage) *string {
	var s string
	if !present(raw) || json.Unmarshal(raw, &s) != nil {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Normalizer converts Raw records. The zero value is not usable; use New.
type Normalizer struct {
	logger *slog.Logger
}

// New returns a Normalizer. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize builds the canonical item. It never fails: unparsable fields
// fall back to their defaults. origin prefixes relative listing URLs.
func (n *Normalizer) Normalize(raw Raw, origin string) Item {
	it := Item{
		ID:       scalarString(raw.ID),
		Title:    orNA(raw.Title),
		Status:   orNA(raw.Status),
		Size:     orNA(raw.SizeTitle),
		Brand:    orNA(raw.BrandTitle),
		PriceRaw: Unavailable,
		Currency: raw.Currency,
	}
	if it.Currency == "" {
		it.Currency = "CZK"
	}
	n.price(&it, raw.Price)

	if raw.Photo != nil {
		photo := raw.Photo.URL
		if photo == "" && raw.Photo.HighResolution != nil {
			photo = raw.Photo.HighResolution.URL
		}
		if photo != "" {
			it.PhotoURL = &photo
		}
	}

	it.Timestamp, it.TimestampSource = n.timestamp(it.ID, raw)
	if it.Timestamp == 0 {
		n.logger.Warn("item: no usable timestamp, sorting with 0", "id", it.ID, "title", clip(it.Title))
	}

	switch {
	case raw.URL == "":
		it.URL = Unavailable
	case strings.HasPrefix(raw.URL, "http"):
		it.URL = raw.URL
	default:
		it.URL = origin + raw.URL
	}
	return it
}

func (n *Normalizer) price(it *Item, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	amount := raw
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		obj, ok := object(raw)
		if !ok {
			n.logger.Debug("item: unreadable price object", "id", it.ID)
			return
		}
		amount = obj["amount"]
		if c := deref(text(obj["currency"])); c != "" {
			it.Currency = c
		} else if c := deref(text(obj["currency_code"])); c != "" {
			it.Currency = c
		}
	}
	s := scalarString(amount)
	if s == "" {
		return
	}
	it.PriceRaw = s
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		it.PriceNumeric = &f
	}
}

// timestamp resolves the authoritative timestamp. A candidate that is
// present but unparsable falls through to the next one.
func (n *Normalizer) timestamp(id string, raw Raw) (int64, string) {
	if raw.Photo != nil && raw.Photo.HighResolution != nil {
		if ts, ok := intField(raw.Photo.HighResolution.Timestamp); ok {
			return ts, SourcePhoto
		} else if present(raw.Photo.HighResolution.Timestamp) {
			n.logger.Warn("item: invalid photo timestamp", "id", id, "value", string(raw.Photo.HighResolution.Timestamp))
		}
	}
	if ts, ok := intField(raw.CreatedAtTS); ok {
		return ts, SourceCreatedTS
	} else if present(raw.CreatedAtTS) {
		n.logger.Warn("item: invalid created_at_ts", "id", id, "value", string(raw.CreatedAtTS))
	}
	var iso string
	if json.Unmarshal(raw.CreatedAt, &iso) == nil && iso != "" {
		if ts, ok := parseISO(iso); ok {
			return ts, SourceCreatedAt
		}
		n.logger.Debug("item: unparsable created_at", "id", id, "value", iso)
	}
	return 0, SourceUnknown
}

func parseISO(s string) (int64, bool) {
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// intField accepts a JSON integer or a numeric string.
func intField(raw json.RawMessage) (int64, bool) {
	if !present(raw) {
		return 0, false
	}
	s := scalarString(raw)
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// ParseID renders a JSON id, string or number, as text. Other kinds yield "".
func ParseID(raw json.RawMessage) string { return scalarString(raw) }

// scalarString renders a JSON string or number as text. Other kinds yield "".
func scalarString(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

func orNA(p *string) string {
	if p == nil {
		return Unavailable
	}
	return *p
}

func clip(s string) string {
	r := []rune(s)
	if len(r) > 30 {
		return string(r[:30])
	}
	return s
}
