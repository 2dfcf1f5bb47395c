package filter

import (
	"testing"
)

func mustDecode(t *testing.T, js string) Spec {
	t.Helper()
	s, err := Decode([]byte(js))
	if err != nil {
		t.Fatalf("decode %s: %v", js, err)
	}
	return s
}

func TestDecode_Kinds(t *testing.T) {
	// WHAT: The must-have shape is classified once at decode time.
	// WHY: Match must not re-sniff the JSON shape on every title.
	cases := []struct {
		js   string
		want Kind
	}{
		{`{}`, Empty},
		{`null`, Empty},
		{`{"must_have_keywords": []}`, Empty},
		{`{"must_have_keywords": ""}`, Empty},
		{`{"must_have_keywords": "nike"}`, Malformed},
		{`{"must_have_keywords": ["carhartt", "jacket"]}`, FlatAnd},
		{`{"must_have_keywords": [["air", "max"], ["jordan"]]}`, OrOfAnd},
		{`{"must_have_keywords": ["a", ["b"]]}`, Malformed},
		{`{"must_have_keywords": ["a", 1]}`, Malformed},
		{`{"must_have_keywords": {"x": 1}}`, Malformed},
	}
	for _, c := range cases {
		if got := mustDecode(t, c.js).Kind; got != c.want {
			t.Errorf("%s: kind = %v, want %v", c.js, got, c.want)
		}
	}
}

func TestMatch_OrOfAnd(t *testing.T) {
	// WHAT: Every non-empty group needs at least one hit.
	// WHY: Groups are ANDed together and keywords inside a group are ORed,
	// which is how saved profiles have always been evaluated.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": [["air","max"],["jordan"]]}`)

	if m.Match("nike air force", spec) {
		t.Error("nike air force: want false, jordan group unsatisfied")
	}
	if !m.Match("nike air jordan 1", spec) {
		t.Error("nike air jordan 1: want true")
	}
	if m.Match("red jordan shoes", spec) {
		t.Error("red jordan shoes: want false, air/max group unsatisfied")
	}
}

func TestMatch_OrOfAnd_SkipsEmptyGroup(t *testing.T) {
	// WHAT: An empty group neither passes nor fails the title.
	// WHY: Saved profiles contain [] groups left behind by the editor.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": [[], ["jordan"]]}`)
	if !m.Match("red jordan shoes", spec) {
		t.Error("want true")
	}
}

func TestMatch_BareStringPasses(t *testing.T) {
	// WHAT: A bare string must-have is not a constraint.
	// WHY: Only lists are keyword clauses; a string left by a hand edit
	// must not silently hide every other listing.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": "adidas"}`)
	if !m.Match("nike shoes", spec) {
		t.Error("nike shoes: want true")
	}
	spec = mustDecode(t, `{"must_have_keywords": "adidas", "exclude_keywords": ["nike"]}`)
	if m.Match("nike shoes", spec) {
		t.Error("exclude must still apply")
	}
}

func TestMatch_FlatAnd(t *testing.T) {
	// WHAT: A flat list requires every keyword.
	// WHY: Core grammar.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": ["carhartt", "jacket"]}`)
	if !m.Match("vintage carhartt jacket", spec) {
		t.Error("want true")
	}
	if m.Match("vintage carhartt", spec) {
		t.Error("want false without jacket")
	}
}

func TestMatch_ExcludeWins(t *testing.T) {
	// WHAT: An exclude hit rejects even when must-have is satisfied.
	// WHY: Exclude dominates include.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": ["jacket"], "exclude_keywords": ["fake", "  "]}`)
	if m.Match("fake carhartt jacket", spec) {
		t.Error("want false on exclude hit")
	}
	if !m.Match("real carhartt jacket", spec) {
		t.Error("blank exclude keyword must be ignored")
	}
}

func TestMatch_CaseFolding(t *testing.T) {
	// WHAT: Case-insensitive by default; exact when case_sensitive.
	// WHY: Titles are typed by sellers with arbitrary casing.
	m := NewMatcher(nil)
	insensitive := mustDecode(t, `{"must_have_keywords": ["Carhartt"]}`)
	for _, title := range []string{"CARHARTT jacket", "carhartt jacket", "CarHartt jacket"} {
		if !m.Match(title, insensitive) {
			t.Errorf("%q: want true", title)
		}
	}

	sensitive := mustDecode(t, `{"must_have_keywords": ["Carhartt"], "keywords_case_sensitive": true}`)
	if m.Match("carhartt jacket", sensitive) {
		t.Error("case sensitive: want false")
	}
	if !m.Match("Carhartt jacket", sensitive) {
		t.Error("case sensitive: want true")
	}
}

func TestMatch_BlankKeywordsIgnored(t *testing.T) {
	// WHAT: Whitespace-only keywords never fail the AND.
	// WHY: Form input often leaves trailing blanks.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": ["jacket", " ", ""]}`)
	if !m.Match("jacket", spec) {
		t.Error("want true")
	}
	groups := mustDecode(t, `{"must_have_keywords": [[" "]]}`)
	if m.Match("anything", groups) {
		t.Error("a group with only blank keywords has no possible hit")
	}
}

func TestMatch_MalformedFailsOpen(t *testing.T) {
	// WHAT: A mixed must-have list passes every title.
	// WHY: A broken filter must not silently hide every listing.
	m := NewMatcher(nil)
	spec := mustDecode(t, `{"must_have_keywords": ["a", ["b"]], "exclude_keywords": ["zzz"]}`)
	if !m.Match("anything at all", spec) {
		t.Error("want true")
	}
	if m.Match("zzz here", spec) {
		t.Error("exclude still applies to malformed specs")
	}
}

func TestSpec_RoundTrip(t *testing.T) {
	// WHAT: Marshal keeps the stored must-have form.
	// WHY: Profiles are rewritten on every save.
	in := `{"must_have_keywords":[["air","max"],["jordan"]],"exclude_keywords":["fake"],"keywords_case_sensitive":true}`
	s := mustDecode(t, in)
	out, err := s.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	again := mustDecode(t, string(out))
	if again.Kind != OrOfAnd || !again.CaseSensitive || len(again.Exclude) != 1 || len(again.Groups) != 2 {
		t.Fatalf("round trip lost data: %s", out)
	}
}
