package poll

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/vintwatch/watcher/internal/filter"
	"github.com/hazyhaar/vintwatch/watcher/internal/profiles"
)

type fakeClient struct {
	http    *http.Client
	mu      sync.Mutex
	ua      string
	rotated int
	next    []string
	calls   int
	// err, when set, fails every request before it reaches the network.
	err error
}

func (f *fakeClient) Do(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.http.Do(r)
}
func (f *fakeClient) CSRFToken() string                          { return "csrf-1" }
func (f *fakeClient) UserAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ua
}
func (f *fakeClient) RotateUserAgent() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated++
	if len(f.next) == 0 {
		return f.ua, false
	}
	f.ua, f.next = f.next[0], f.next[1:]
	return f.ua, true
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newEngine(s *sleepLog) *Engine {
	return New(Config{Sleep: s.sleep, Jitter: func() time.Duration { return 0 }}, nil)
}

func profileFor(srv *httptest.Server, filters string) *profiles.Profile {
	spec, _ := filter.Decode([]byte(filters))
	return &profiles.Profile{
		Name:    "test",
		URL:     srv.URL + "/catalog?search_text=bunda&page=2",
		Filters: spec,
		Enabled: true,
		Seen:    map[string]struct{}{},
	}
}

const threeItems = `{"items": [
	{"id": 1, "title": "stará bunda", "created_at_ts": 100, "url": "/items/1"},
	{"id": 2, "title": "nová bunda", "photo": {"high_resolution": {"timestamp": 300}}, "url": "/items/2"},
	{"id": 3, "title": "bunda bez času", "url": "/items/3"},
	{"title": "no id"},
	{"id": 4, "title": "fake bunda", "created_at_ts": 200}
]}`

func TestPoll_SortDedupFilter(t *testing.T) {
	// WHAT: Items are sorted newest first, unknown last, excludes dropped.
	// WHY: Notification order and seen-set contents depend on it.
	var gotQuery, gotReferer, gotCSRF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotReferer = r.Header.Get("Referer")
		gotCSRF = r.Header.Get("X-CSRF-Token")
		fmt.Fprint(w, threeItems)
	}))
	defer srv.Close()

	e := newEngine(&sleepLog{})
	c := &fakeClient{http: srv.Client(), ua: "ua-1"}
	p := profileFor(srv, `{"exclude_keywords": ["fake"]}`)

	res, err := e.Poll(context.Background(), c, p)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Outcome != OutcomeOK || res.Fetched != 5 || res.Filtered != 1 {
		t.Fatalf("result: %+v", res)
	}
	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	if strings.Join(ids, ",") != "2,1,3" {
		t.Errorf("order = %v, want 2,1,3", ids)
	}
	if strings.Join(res.NewIDs, ",") != "2,1,3" {
		t.Errorf("new ids = %v", res.NewIDs)
	}
	if res.Items[0].URL != srv.URL+"/items/2" {
		t.Errorf("url = %q", res.Items[0].URL)
	}
	if strings.Contains(gotQuery, "page=") || !strings.Contains(gotQuery, "search_text=bunda") {
		t.Errorf("query = %q", gotQuery)
	}
	if gotReferer != srv.URL+"/catalog?search_text=bunda&page=2" {
		t.Errorf("referer = %q", gotReferer)
	}
	if gotCSRF != "csrf-1" {
		t.Errorf("csrf = %q", gotCSRF)
	}
	if len(p.Seen) != 0 {
		t.Error("engine must not mutate the profile")
	}
}

func TestPoll_IdempotentAfterCommit(t *testing.T) {
	// WHAT: A second poll over the same ids yields nothing once committed.
	// WHY: Dedup is the reason the seen-set exists.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, threeItems)
	}))
	defer srv.Close()

	e := newEngine(&sleepLog{})
	c := &fakeClient{http: srv.Client(), ua: "ua"}
	p := profileFor(srv, `{}`)

	first, err := e.Poll(context.Background(), c, p)
	if err != nil || len(first.Items) != 4 {
		t.Fatalf("first: %d items, %v", len(first.Items), err)
	}
	p.Commit(first.NewIDs)

	second, err := e.Poll(context.Background(), c, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Items) != 0 || len(second.NewIDs) != 0 {
		t.Errorf("second poll returned %v", second.NewIDs)
	}
}

func TestPoll_FilteredNotMarkedSeen(t *testing.T) {
	// WHAT: Items rejected by the filter are not returned as seen.
	// WHY: A later filter edit may make them match.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, threeItems)
	}))
	defer srv.Close()

	res, err := newEngine(&sleepLog{}).Poll(context.Background(), &fakeClient{http: srv.Client()}, profileFor(srv, `{"must_have_keywords": ["nová"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NewIDs) != 1 || res.NewIDs[0] != "2" {
		t.Errorf("new ids = %v, want [2]", res.NewIDs)
	}
	if res.Filtered != 3 {
		t.Errorf("filtered = %d, want 3", res.Filtered)
	}
}

func TestPoll_RetryThenSuccess(t *testing.T) {
	// WHAT: 429 then 403 are retried with backoff and UA rotation.
	// WHY: Rate limiting is the normal failure mode of this API.
	var mu sync.Mutex
	var agents []string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		agents = append(agents, r.Header.Get("User-Agent"))
		switch calls {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusForbidden)
		default:
			fmt.Fprint(w, `{"items": [{"id": 9, "title": "x", "created_at_ts": 1}]}`)
		}
	}))
	defer srv.Close()

	sl := &sleepLog{}
	c := &fakeClient{http: srv.Client(), ua: "ua-a", next: []string{"ua-b", "ua-c"}}
	res, err := newEngine(sl).Poll(context.Background(), c, profileFor(srv, `{}`))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Attempts != 3 || len(res.Items) != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Retries) != 2 || res.Retries[0] != ClassRateLimit || res.Retries[1] != ClassAuth {
		t.Errorf("retries = %v", res.Retries)
	}
	// attempt 0: 7s * 1.8^0 ; attempt 1: 15s * 1.8^1
	want := []time.Duration{7 * time.Second, 27 * time.Second}
	if len(sl.delays) != 2 || sl.delays[0] != want[0] || sl.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", sl.delays, want)
	}
	if strings.Join(agents, ",") != "ua-a,ua-b,ua-c" {
		t.Errorf("agents = %v", agents)
	}
}

func TestPoll_Exhausted(t *testing.T) {
	// WHAT: Five 503s give up with ErrExhausted and no rotation after the last.
	// WHY: The loop is bounded and never raises past the profile.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sl := &sleepLog{}
	c := &fakeClient{http: srv.Client(), ua: "ua"}
	res, err := newEngine(sl).Poll(context.Background(), c, profileFor(srv, `{}`))
	if !errors.Is(err, ErrExhausted) || res.Outcome != OutcomeExhausted {
		t.Fatalf("err = %v, outcome = %s", err, res.Outcome)
	}
	if calls != 5 || len(sl.delays) != 4 || c.rotated != 4 {
		t.Errorf("calls=%d sleeps=%d rotations=%d", calls, len(sl.delays), c.rotated)
	}
	if len(res.Items) != 0 {
		t.Error("exhausted poll must return no items")
	}
}

func TestPoll_DecodeIsTerminal(t *testing.T) {
	// WHAT: A malformed body fails once with no retry.
	// WHY: Retrying a broken payload only burns rate limit.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `<html>captcha</html>`)
	}))
	defer srv.Close()

	sl := &sleepLog{}
	res, err := newEngine(sl).Poll(context.Background(), &fakeClient{http: srv.Client()}, profileFor(srv, `{}`))
	if !errors.Is(err, ErrDecode) || res.Outcome != OutcomeDecode {
		t.Fatalf("err = %v, outcome = %s", err, res.Outcome)
	}
	if calls != 1 || len(sl.delays) != 0 {
		t.Errorf("calls=%d sleeps=%d", calls, len(sl.delays))
	}
}

func TestPoll_EmptyAndSkipped(t *testing.T) {
	// WHAT: No items is a steady state; an empty URL is skipped.
	// WHY: Neither is an error for the cycle.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": []}`)
	}))
	defer srv.Close()

	e := newEngine(&sleepLog{})
	res, err := e.Poll(context.Background(), &fakeClient{http: srv.Client()}, profileFor(srv, `{}`))
	if err != nil || res.Outcome != OutcomeEmpty {
		t.Errorf("empty: %v, %s", err, res.Outcome)
	}

	res, err = e.Poll(context.Background(), &fakeClient{http: srv.Client()}, &profiles.Profile{Name: "blank"})
	if err != nil || res.Outcome != OutcomeSkipped || res.Attempts != 0 {
		t.Errorf("skipped: %v, %+v", err, res)
	}
}

func TestPoll_NotFoundIsTerminal(t *testing.T) {
	// WHAT: A status outside the retry table ends the poll at once.
	// WHY: A 404 endpoint will not heal within a backoff window.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res, err := newEngine(&sleepLog{}).Poll(context.Background(), &fakeClient{http: srv.Client()}, profileFor(srv, `{}`))
	if !errors.Is(err, ErrStatus) || res.Outcome != OutcomeHTTP || calls != 1 {
		t.Errorf("err=%v outcome=%s calls=%d", err, res.Outcome, calls)
	}
}

func TestPoll_CanceledDuringBackoff(t *testing.T) {
	// WHAT: Cancelling the context stops the retry loop.
	// WHY: SIGTERM must not wait out a 240s backoff.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}, nil)
	res, err := e.Poll(ctx, &fakeClient{http: srv.Client()}, profileFor(srv, `{}`))
	if !errors.Is(err, context.Canceled) || res.Outcome != OutcomeCanceled {
		t.Errorf("err=%v outcome=%s", err, res.Outcome)
	}
}

func TestPoll_TLSKeepsUserAgent(t *testing.T) {
	// WHAT: TLS failures are retried with the long base delay and the UA is
	// never rotated.
	// WHY: A handshake problem is not caused by the client fingerprint.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server")
	}))
	defer srv.Close()

	sl := &sleepLog{}
	c := &fakeClient{http: srv.Client(), ua: "ua", next: []string{"ua-2"},
		err: tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}}
	res, err := newEngine(sl).Poll(context.Background(), c, profileFor(srv, `{}`))
	if !errors.Is(err, ErrExhausted) || res.Outcome != OutcomeExhausted {
		t.Fatalf("err = %v, outcome = %s", err, res.Outcome)
	}
	if c.calls != 5 || c.rotated != 0 || c.UserAgent() != "ua" {
		t.Errorf("calls=%d rotations=%d ua=%s", c.calls, c.rotated, c.UserAgent())
	}
	for _, cl := range res.Retries {
		if cl != ClassTLS {
			t.Errorf("retry class = %s, want tls", cl)
		}
	}
	if len(sl.delays) != 4 || sl.delays[0] != 30*time.Second {
		t.Errorf("delays = %v", sl.delays)
	}
}

func TestPoll_MistypedFieldKeepsItem(t *testing.T) {
	// WHAT: An item whose photo is not an object is still reported.
	// WHY: Field-level oddities must not cost a find.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [{"id": 9, "title": "bunda", "photo": [], "created_at_ts": 50, "url": "/items/9"}]}`)
	}))
	defer srv.Close()

	res, err := newEngine(&sleepLog{}).Poll(context.Background(), &fakeClient{http: srv.Client()}, profileFor(srv, `{}`))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "9" || res.Items[0].PhotoURL != nil || res.Items[0].Timestamp != 50 {
		t.Errorf("items = %+v", res.Items)
	}
}
