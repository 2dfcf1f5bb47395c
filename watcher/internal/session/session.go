// Package session acquires a browser-like HTTP session against the
// marketplace: random user agent, cookie jar populated by a two-step warm-up,
// optional manual cookie and proxies.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
)

// ErrWarmup is returned when either warm-up request fails.
var ErrWarmup = errors.New("session: warm-up failed")

// UserAgents is the fixed pool sessions draw from.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:124.0) Gecko/20100101 Firefox/124.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
}

const (
	htmlAccept     = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	htmlLanguage   = "cs-CZ,cs;q=0.9,en;q=0.8"
	maxWarmupBytes = 4 << 20
)

// Options configures Acquire.
type Options struct {
	// BaseURL is the site root used for warm-up. Default: https://www.vinted.cz.
	BaseURL string
	// ManualCookie, when set, is sent verbatim as the Cookie header.
	ManualCookie string
	// Proxies maps a request scheme ("http", "https") to a proxy URL.
	// socks5:// proxies are dialed through golang.org/x/net/proxy.
	Proxies map[string]string
	// WarmupTimeout bounds each warm-up request. Default: 30s.
	WarmupTimeout time.Duration
	// Transport overrides the base transport (tests).
	Transport http.RoundTripper
	// Intn picks a user agent index. Default: math/rand/v2.IntN.
	Intn func(n int) int
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://www.vinted.cz"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.WarmupTimeout <= 0 {
		o.WarmupTimeout = 30 * time.Second
	}
	if o.Intn == nil {
		o.Intn = rand.IntN
	}
}

// Session is a warmed-up HTTP client. It is safe for concurrent use, though
// the poller drives it from a single goroutine.
type Session struct {
	client       *http.Client
	base         *url.URL
	manualCookie string
	intn         func(int) int
	logger       *slog.Logger

	mu   sync.Mutex
	ua   string
	csrf string
}

// Acquire builds a session and runs the warm-up sequence: GET the site root,
// then GET /catalog with the root as Referer. Any network failure or non-2xx
// status aborts acquisition.
func Acquire(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse base url: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("session: cookie jar: %w", err)
	}
	transport, err := buildTransport(opts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:       &http.Client{Jar: jar, Transport: transport},
		base:         base,
		manualCookie: opts.ManualCookie,
		intn:         opts.Intn,
		logger:       logger,
	}
	s.ua = UserAgents[s.intn(len(UserAgents))]

	if len(opts.Proxies) > 0 {
		schemes := make([]string, 0, len(opts.Proxies))
		for k := range opts.Proxies {
			schemes = append(schemes, k)
		}
		logger.Info("session: using proxies", "schemes", schemes)
	}
	if opts.ManualCookie != "" {
		logger.Info("session: manual cookie set")
	}
	logger.Info("session: warming up", "base", opts.BaseURL, "user_agent", s.ua)

	root := opts.BaseURL
	if _, err := s.warmup(ctx, root, "", opts.WarmupTimeout, false); err != nil {
		s.Close()
		return nil, err
	}
	csrf, err := s.warmup(ctx, root+"/catalog", root, opts.WarmupTimeout, true)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.csrf = csrf

	hasCookies := len(jar.Cookies(base)) > 0
	switch {
	case opts.ManualCookie == "" && hasCookies:
		logger.Info("session: cookies obtained automatically")
	case opts.ManualCookie == "" && !hasCookies:
		logger.Warn("session: no cookies after warm-up and no manual cookie")
	default:
		logger.Info("session: using manual cookie", "jar_cookies", hasCookies)
	}
	if csrf != "" {
		logger.Debug("session: csrf token found")
	}
	logger.Info("session: ready")
	return s, nil
}

// warmup performs one HTML GET and, when parse is set, returns the csrf
// token found in the page.
func (s *Session) warmup(ctx context.Context, target, referer string, timeout time.Duration, parse bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request %s: %v", ErrWarmup, target, err)
	}
	req.Header.Set("User-Agent", s.UserAgent())
	req.Header.Set("Accept", htmlAccept)
	req.Header.Set("Accept-Language", htmlLanguage)
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: GET %s: %w", ErrWarmup, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("%w: GET %s: status %d", ErrWarmup, target, resp.StatusCode)
	}
	s.logger.Info("session: warm-up ok", "url", target, "status", resp.StatusCode)

	if !parse {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxWarmupBytes))
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxWarmupBytes))
	if err != nil {
		// Missing token is not fatal.
		s.logger.Debug("session: parse catalog html", "error", err)
		return "", nil
	}
	token, _ := doc.Find(`meta[name="csrf-token"]`).Attr("content")
	return strings.TrimSpace(token), nil
}

// Do sends req through the session client, attaching the manual cookie.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if s.manualCookie != "" && req.Header.Get("Cookie") == "" {
		req.Header.Set("Cookie", s.manualCookie)
	}
	return s.client.Do(req)
}

// UserAgent returns the current user agent.
func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ua
}

// RotateUserAgent draws a new user agent from the pool. It reports whether
// the agent actually changed.
func (s *Session) RotateUserAgent() (string, bool) {
	next := UserAgents[s.intn(len(UserAgents))]
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.ua {
		return s.ua, false
	}
	s.ua = next
	return next, true
}

// CSRFToken returns the token scraped during warm-up, if any.
func (s *Session) CSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrf
}

// Origin returns scheme://host of the warm-up site.
func (s *Session) Origin() string {
	return s.base.Scheme + "://" + s.base.Host
}

// Close releases idle connections. The session must not be used afterwards.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

func buildTransport(opts Options) (http.RoundTripper, error) {
	if opts.Transport != nil {
		return opts.Transport, nil
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	if len(opts.Proxies) == 0 {
		return t, nil
	}

	byScheme := make(map[string]*url.URL, len(opts.Proxies))
	var socks *url.URL
	for scheme, raw := range opts.Proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("session: parse proxy %s: %w", scheme, err)
		}
		if strings.HasPrefix(u.Scheme, "socks5") {
			socks = u
			continue
		}
		byScheme[strings.ToLower(scheme)] = u
	}

	if socks != nil {
		d, err := proxy.FromURL(socks, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("session: socks proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("session: socks proxy dialer lacks DialContext")
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	}
	t.Proxy = func(req *http.Request) (*url.URL, error) {
		return byScheme[req.URL.Scheme], nil
	}
	return t, nil
}
