// Package filter implements the local keyword predicate applied to listing
// titles.
//
// The must-have grammar is decided once when a Spec is decoded:
//
//	"must_have_keywords": ["carhartt", "jacket"]          // FlatAnd: every keyword
//	"must_have_keywords": [["air","max"], ["jordan"]]     // OrOfAnd: every group needs one hit
//	"must_have_keywords": []                              // Empty: no constraint
//
// Anything else, a bare string included, is Malformed and passes every title.
package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Kind tags the decoded shape of the must-have clause.
type Kind int

const (
	Empty Kind = iota
	FlatAnd
	OrOfAnd
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case FlatAnd:
		return "flat_and"
	case OrOfAnd:
		return "or_of_and"
	default:
		return "malformed"
	}
}

// Spec is a decoded profile filter.
type Spec struct {
	Kind          Kind
	All           []string   // FlatAnd keywords
	Groups        [][]string // OrOfAnd groups
	Exclude       []string
	CaseSensitive bool

	// Raw keeps the original must-have JSON for logging and round-trips.
	Raw json.RawMessage
}

// wire is the JSON shape stored in user_profiles.json.
type wire struct {
	MustHave      json.RawMessage `json:"must_have_keywords,omitempty"`
	Exclude       []any           `json:"exclude_keywords,omitempty"`
	CaseSensitive bool            `json:"keywords_case_sensitive,omitempty"`
}

// Decode parses a filters object. A missing or null object yields an Empty
// spec. Malformed must-have content does not fail Decode: the returned Spec
// has Kind Malformed.
func Decode(data []byte) (Spec, error) {
	var s Spec
	if len(data) == 0 || string(data) == "null" {
		return s, nil
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return s, fmt.Errorf("filter: decode: %w", err)
	}
	s.CaseSensitive = w.CaseSensitive
	for _, v := range w.Exclude {
		s.Exclude = append(s.Exclude, fmt.Sprint(v))
	}
	s.Raw = w.MustHave
	s.Kind, s.All, s.Groups = classify(w.MustHave)
	return s, nil
}

func classify(raw json.RawMessage) (Kind, []string, [][]string) {
	if len(raw) == 0 || string(raw) == "null" {
		return Empty, nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return Empty, nil, nil
		}
		return Malformed, nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return Malformed, nil, nil
	}
	if len(list) == 0 {
		return Empty, nil, nil
	}

	var (
		flat   []string
		groups [][]string
	)
	for _, el := range list {
		var s string
		if json.Unmarshal(el, &s) == nil {
			flat = append(flat, s)
			continue
		}
		var g []any
		if json.Unmarshal(el, &g) == nil && isArray(el) {
			group := make([]string, 0, len(g))
			for _, kw := range g {
				group = append(group, fmt.Sprint(kw))
			}
			groups = append(groups, group)
			continue
		}
		return Malformed, nil, nil
	}
	switch {
	case len(groups) == 0:
		return FlatAnd, flat, nil
	case len(flat) == 0:
		return OrOfAnd, nil, groups
	default:
		return Malformed, nil, nil
	}
}

func isArray(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return strings.HasPrefix(t, "[")
}

// MarshalJSON writes the spec back in its stored form.
func (s Spec) MarshalJSON() ([]byte, error) {
	w := wire{CaseSensitive: s.CaseSensitive, MustHave: s.Raw}
	if len(w.MustHave) == 0 {
		switch s.Kind {
		case FlatAnd:
			w.MustHave, _ = json.Marshal(s.All)
		case OrOfAnd:
			w.MustHave, _ = json.Marshal(s.Groups)
		}
	}
	for _, e := range s.Exclude {
		w.Exclude = append(w.Exclude, e)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler via Decode.
func (s *Spec) UnmarshalJSON(data []byte) error {
	d, err := Decode(data)
	if err != nil {
		return err
	}
	*s = d
	return nil
}

// Matcher evaluates titles against specs.
type Matcher struct {
	logger *slog.Logger
}

// NewMatcher returns a Matcher. A nil logger uses slog.Default.
func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{logger: logger}
}

// Match reports whether title passes spec. Excludes are checked first and
// always win. Blank keywords never match and never fail.
func (m *Matcher) Match(title string, spec Spec) bool {
	fold := func(s string) string {
		s = strings.TrimSpace(s)
		if spec.CaseSensitive {
			return s
		}
		return strings.ToLower(s)
	}
	t := title
	if !spec.CaseSensitive {
		t = strings.ToLower(t)
	}

	for _, ex := range spec.Exclude {
		if kw := fold(ex); kw != "" && strings.Contains(t, kw) {
			m.logger.Debug("filter: excluded", "keyword", ex, "title", clip(title))
			return false
		}
	}

	switch spec.Kind {
	case Empty:
		return true
	case FlatAnd:
		for _, k := range spec.All {
			if kw := fold(k); kw != "" && !strings.Contains(t, kw) {
				m.logger.Debug("filter: missing keyword", "keyword", k, "title", clip(title))
				return false
			}
		}
		return true
	case OrOfAnd:
		for _, group := range spec.Groups {
			if len(group) == 0 {
				continue
			}
			if !anyContains(t, group, fold) {
				m.logger.Debug("filter: group unsatisfied", "group", group, "title", clip(title))
				return false
			}
		}
		return true
	default:
		m.logger.Debug("filter: malformed must_have_keywords, passing", "raw", string(spec.Raw))
		return true
	}
}

func anyContains(t string, group []string, fold func(string) string) bool {
	for _, k := range group {
		if kw := fold(k); kw != "" && strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

func clip(s string) string {
	r := []rune(s)
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return s
}
