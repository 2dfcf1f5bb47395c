package watcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ranWatcher returns a watcher that completed one cycle against the fake
// market: two finds, Bundy's item 2 and Boty's item 10.
func ranWatcher(t *testing.T) *Watcher {
	t.Helper()
	m := newMarket(t)
	cfg := testConfig(t, m)
	rec := &recorder{}
	w := newWatcher(t, cfg, Options{Notifier: rec, Sleep: rec.sleep, Once: true})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	return w
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHTTP_Healthz(t *testing.T) {
	// WHAT: /healthz is 503 before Run starts and 200 after.
	// WHY: Supervisors restart a poller that never came up.
	m := newMarket(t)
	w := newWatcher(t, testConfig(t, m), Options{Notifier: &recorder{}})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	if code := getJSON(t, srv, "/healthz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("before run = %d", code)
	}

	w = ranWatcher(t)
	srv2 := httptest.NewServer(w.Handler())
	defer srv2.Close()
	var body map[string]string
	if code := getJSON(t, srv2, "/healthz", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("after run = %d %v", code, body)
	}
}

func TestHTTP_StatusFindsProfiles(t *testing.T) {
	// WHAT: The read-only routes reflect the completed cycle.
	// WHY: The dashboard reads these instead of the files.
	w := ranWatcher(t)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	var st StatusView
	getJSON(t, srv, "/status", &st)
	if st.Message != "Scraper ZASTAVEN." || st.Cycle != 1 || st.Profiles != 3 || st.Active != 2 || st.Finds != 2 {
		t.Errorf("status = %+v", st)
	}

	var all FindsResponse
	getJSON(t, srv, "/finds", &all)
	if all.Count != 2 {
		t.Fatalf("finds = %+v", all)
	}
	// Boty's item is the newest.
	if all.Finds[0].ID != "10" || all.Finds[1].ID != "2" {
		t.Errorf("order = %s, %s", all.Finds[0].ID, all.Finds[1].ID)
	}

	var one FindsResponse
	getJSON(t, srv, "/finds?limit=1", &one)
	if one.Count != 1 {
		t.Errorf("limit=1 count = %d", one.Count)
	}
	var bundy FindsResponse
	getJSON(t, srv, "/finds?profile=Bundy", &bundy)
	if bundy.Count != 1 || bundy.Finds[0].Profile != "Bundy" {
		t.Errorf("profile filter = %+v", bundy)
	}

	var ps ProfilesResponse
	getJSON(t, srv, "/profiles", &ps)
	if ps.Count != 3 {
		t.Fatalf("profiles = %+v", ps)
	}
	for _, p := range ps.Profiles {
		switch p.Name {
		case "Bundy":
			if p.Seen != 2 || p.LastPoll == nil || p.LastPoll.Outcome != "ok" || p.LastPoll.Filtered != 1 {
				t.Errorf("Bundy = %+v %+v", p, p.LastPoll)
			}
		case "Off":
			if p.Active || p.LastPoll != nil {
				t.Errorf("Off = %+v", p)
			}
		}
	}
}

func TestHTTP_Metrics(t *testing.T) {
	// WHAT: /metrics exposes the vintwatch collectors.
	// WHY: Alerting keys off finds_total and polls_total.
	w := ranWatcher(t)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`vintwatch_finds_total{profile="Bundy"} 1`,
		`vintwatch_polls_total{outcome="ok",profile="Boty"} 1`,
		`vintwatch_cycle_duration_seconds_count 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMCP_Tools(t *testing.T) {
	// WHAT: The MCP tools list recent finds and profiles.
	// WHY: Agents query the poller without file access.
	w := ranWatcher(t)

	impl := &mcp.Implementation{Name: "vintwatch-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	w.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, n := range []string{"vintwatch_status", "vintwatch_recent_finds", "vintwatch_profiles"} {
		if !names[n] {
			t.Errorf("tool %s not registered", n)
		}
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "vintwatch_recent_finds",
		Arguments: map[string]any{"profile": "Boty"},
	})
	if err != nil || res.IsError {
		t.Fatalf("call: %v, %+v", err, res)
	}
	var finds FindsResponse
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &finds); err != nil {
		t.Fatal(err)
	}
	if finds.Count != 1 || finds.Finds[0].ID != "10" {
		t.Errorf("recent finds = %+v", finds)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "vintwatch_status", Arguments: map[string]any{}})
	if err != nil || res.IsError {
		t.Fatalf("status: %v, %+v", err, res)
	}
	var st StatusView
	json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &st)
	if st.Cycle != 1 || st.Message == "" {
		t.Errorf("status = %+v", st)
	}
}
