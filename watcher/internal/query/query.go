// Package query turns a catalog search URL copied from the marketplace UI
// into the equivalent catalog API request.
package query

import (
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// DefaultBaseURL is used when a profile URL cannot be parsed.
const DefaultBaseURL = "https://www.vinted.cz"

// APIPath is the catalog API path appended to the origin.
const APIPath = "/api/v2/catalog/items"

// dropped params churn between UI visits and never reach the API.
var dropped = []string{"search_id", "time", "page"}

// Request is the translated API call.
type Request struct {
	Endpoint    string
	Params      url.Values
	Origin      string
	RefererPath string
}

// Referer returns the absolute referer URL.
func (r Request) Referer() string {
	p := r.RefererPath
	if p == "" {
		p = "/catalog"
	}
	return r.Origin + p
}

// URL returns Endpoint with the encoded params.
func (r Request) URL() string {
	if len(r.Params) == 0 {
		return r.Endpoint
	}
	return r.Endpoint + "?" + r.Params.Encode()
}

// Fallback returns the request used for unusable input.
func Fallback() Request {
	return Request{
		Endpoint:    DefaultBaseURL + APIPath,
		Params:      url.Values{"order": {"newest_first"}, "per_page": {"96"}},
		Origin:      DefaultBaseURL,
		RefererPath: "/catalog",
	}
}

// Translate never fails: unusable input is logged and the fallback request
// is returned.
func Translate(searchURL string, logger *slog.Logger) Request {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasPrefix(searchURL, "http") {
		logger.Error("query: invalid search url, using fallback", "url", searchURL)
		return Fallback()
	}
	u, err := url.Parse(searchURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		logger.Error("query: parse search url, using fallback", "url", searchURL, "error", err)
		return Fallback()
	}
	// ParseQuery keeps every well-formed pair even when it reports an error.
	raw, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		logger.Warn("query: malformed query pairs dropped", "url", searchURL, "error", err)
	}

	origin := u.Scheme + "://" + u.Host
	params := make(url.Values, len(raw)+2)
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		k := strings.TrimSuffix(key, "[]")
		vals := raw[key]
		if prev, ok := params[k]; ok {
			vals = append([]string{prev[0]}, vals...)
		}
		params.Set(k, strings.Join(vals, ","))
	}
	for k, def := range map[string]string{"order": "newest_first", "per_page": "96"} {
		if !params.Has(k) {
			params.Set(k, def)
		}
	}
	for _, p := range dropped {
		params.Del(p)
	}

	referer := u.EscapedPath()
	if u.RawQuery != "" {
		referer += "?" + u.RawQuery
	}

	logger.Debug("query: translated", "url", searchURL, "params", params.Encode())
	return Request{
		Endpoint:    origin + APIPath,
		Params:      params,
		Origin:      origin,
		RefererPath: referer,
	}
}
