package item

import (
	"encoding/json"
	"strings"
	"testing"
)

func decode(t *testing.T, js string) Raw {
	t.Helper()
	var r Raw
	if err := json.Unmarshal([]byte(js), &r); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	return r
}

func TestNormalize_TimestampPriority(t *testing.T) {
	// WHAT: The photo timestamp beats created_at_ts, which beats created_at.
	// WHY: Sort order and retention both rely on the same choice.
	n := New(nil)
	cases := []struct {
		name   string
		js     string
		ts     int64
		source string
	}{
		{"photo wins", `{"id":1,"created_at_ts":100,"photo":{"high_resolution":{"timestamp":200}}}`, 200, SourcePhoto},
		{"created_at_ts", `{"id":1,"created_at_ts":100,"created_at":"2024-01-01T00:00:00Z"}`, 100, SourceCreatedTS},
		{"numeric string", `{"id":1,"created_at_ts":"150"}`, 150, SourceCreatedTS},
		{"iso", `{"id":1,"created_at":"2024-01-01T00:00:00Z"}`, 1704067200, SourceCreatedAt},
		{"iso offset", `{"id":1,"created_at":"2024-01-01T02:00:00+02:00"}`, 1704067200, SourceCreatedAt},
		{"bad photo falls through", `{"id":1,"created_at_ts":100,"photo":{"high_resolution":{"timestamp":"soon"}}}`, 100, SourceCreatedTS},
		{"bad everything", `{"id":1,"created_at_ts":"x","created_at":"yesterday"}`, 0, SourceUnknown},
		{"nothing", `{"id":1}`, 0, SourceUnknown},
	}
	for _, c := range cases {
		it := n.Normalize(decode(t, c.js), "https://www.vinted.cz")
		if it.Timestamp != c.ts || it.TimestampSource != c.source {
			t.Errorf("%s: got (%d, %s), want (%d, %s)", c.name, it.Timestamp, it.TimestampSource, c.ts, c.source)
		}
	}
}

func TestNormalize_Price(t *testing.T) {
	// WHAT: Price accepts a string or an {amount, currency} object.
	// WHY: The API has shipped both shapes.
	n := New(nil)

	it := n.Normalize(decode(t, `{"id":"1","price":{"amount":"1250.0","currency_code":"EUR"}}`), "")
	if it.PriceNumeric == nil || *it.PriceNumeric != 1250 || it.Currency != "EUR" || it.PriceRaw != "1250.0" {
		t.Errorf("object price: %+v", it)
	}

	it = n.Normalize(decode(t, `{"id":"1","price":"300","currency":"PLN"}`), "")
	if it.PriceNumeric == nil || *it.PriceNumeric != 300 || it.Currency != "PLN" {
		t.Errorf("string price: %+v", it)
	}

	it = n.Normalize(decode(t, `{"id":"1","price":{"amount":"dohodou"}}`), "")
	if it.PriceNumeric != nil || it.PriceRaw != "dohodou" || it.Currency != "CZK" {
		t.Errorf("non-numeric price: %+v", it)
	}

	it = n.Normalize(decode(t, `{"id":"1"}`), "")
	if it.PriceNumeric != nil || it.PriceRaw != Unavailable {
		t.Errorf("missing price: %+v", it)
	}
}

func TestNormalize_URLsAndDefaults(t *testing.T) {
	// WHAT: Relative URLs get the origin; missing text fields become N/A.
	// WHY: Notifications must always carry a clickable link or marker.
	n := New(nil)
	it := n.Normalize(decode(t, `{"id":42,"title":"Bunda","url":"/items/42-bunda","photo":{"high_resolution":{"url":"https://img/x.jpg"}}}`), "https://www.vinted.cz")
	if it.ID != "42" {
		t.Errorf("id = %q", it.ID)
	}
	if it.URL != "https://www.vinted.cz/items/42-bunda" {
		t.Errorf("url = %q", it.URL)
	}
	if it.PhotoURL == nil || *it.PhotoURL != "https://img/x.jpg" {
		t.Errorf("photo = %v", it.PhotoURL)
	}
	if it.Status != Unavailable || it.Size != Unavailable || it.Brand != Unavailable {
		t.Errorf("defaults: %+v", it)
	}

	abs := n.Normalize(decode(t, `{"id":1,"url":"https://www.vinted.sk/items/1","photo":{"url":"https://img/main.jpg","high_resolution":{"url":"https://img/hi.jpg"}}}`), "https://www.vinted.cz")
	if abs.URL != "https://www.vinted.sk/items/1" {
		t.Errorf("absolute url rewritten: %q", abs.URL)
	}
	if abs.PhotoURL == nil || *abs.PhotoURL != "https://img/main.jpg" {
		t.Errorf("top-level photo url should win: %v", abs.PhotoURL)
	}

	missing := n.Normalize(decode(t, `{"id":1}`), "https://www.vinted.cz")
	if missing.URL != Unavailable || missing.PhotoURL != nil || missing.Title != Unavailable {
		t.Errorf("missing: %+v", missing)
	}
}

func TestFormat(t *testing.T) {
	// WHAT: The display line groups thousands and omits redundant brand.
	// WHY: Notification text is read on phones.
	price := 12500.0
	it := Item{
		Title:        "Nike Air Max 90",
		PriceNumeric: &price,
		Currency:     "CZK",
		Status:       "Nové s visačkou",
		Size:         "42",
		Brand:        "Nike",
		URL:          "https://www.vinted.cz/items/1",
	}
	got := Format(it)
	want := "[🆕] Nike Air Max 90 – 12 500 CZK – Stav: Nové s visačkou – Velikost: 42\n     https://www.vinted.cz/items/1"
	if got != want {
		t.Errorf("format:\n got %q\nwant %q", got, want)
	}

	it.Brand = "Adidas"
	if !strings.Contains(Format(it), "Značka: Adidas") {
		t.Error("brand absent from title should be shown")
	}

	it.PriceNumeric = nil
	it.PriceRaw = "dohodou"
	if !strings.Contains(Format(it), "– dohodou CZK –") {
		t.Errorf("raw price fallback: %q", Format(it))
	}
}

func TestGroupThousands(t *testing.T) {
	// WHAT: Digits are grouped by spaces from the right.
	// WHY: Czech price formatting.
	for in, want := range map[string]string{"5": "5", "999": "999", "1000": "1 000", "1234567": "1 234 567", "-1500": "-1 500"} {
		if got := groupThousands(in); got != want {
			t.Errorf("%s: got %q, want %q", in, got, want)
		}
	}
}

func TestDecode_MistypedFieldsKeepItem(t *testing.T) {
	// WHAT: A field of the wrong type reads as absent; the item survives.
	// WHY: One odd record shape must not hide an otherwise valid listing.
	n := New(nil)
	r := decode(t, `{"id":77,"title":"Mikina","photo":[],"brand_title":5,"url":"/items/77","price":{"amount":"99","currency":[]},"created_at_ts":1700000000}`)
	it := n.Normalize(r, "https://www.vinted.cz")
	if it.ID != "77" || it.Title != "Mikina" || it.Brand != Unavailable || it.PhotoURL != nil {
		t.Errorf("item = %+v", it)
	}
	if it.URL != "https://www.vinted.cz/items/77" || it.Timestamp != 1700000000 || it.TimestampSource != SourceCreatedTS {
		t.Errorf("url/ts = %s %d %s", it.URL, it.Timestamp, it.TimestampSource)
	}
	if it.PriceNumeric == nil || *it.PriceNumeric != 99 || it.Currency != "CZK" {
		t.Errorf("price = %v %s", it.PriceNumeric, it.Currency)
	}

	r = decode(t, `{"id":"78","photo":{"url":3,"high_resolution":{"url":"https://img/78.jpg","timestamp":1700000100}}}`)
	it = n.Normalize(r, "")
	if it.PhotoURL == nil || *it.PhotoURL != "https://img/78.jpg" || it.TimestampSource != SourcePhoto {
		t.Errorf("photo = %v %s", it.PhotoURL, it.TimestampSource)
	}

	var bad Raw
	if err := json.Unmarshal([]byte(`["not","an","object"]`), &bad); err == nil {
		t.Error("non-object element must fail to decode")
	}
}
