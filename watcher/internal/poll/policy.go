package poll

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// Class categorizes one failed attempt.
type Class string

const (
	ClassAuth      Class = "auth"       // 401, 403
	ClassRateLimit Class = "rate_limit" // 429
	ClassServer    Class = "server"     // 500, 502, 503, 504
	ClassTimeout   Class = "timeout"
	ClassTLS       Class = "tls"
	ClassNetwork   Class = "network"
	ClassDecode    Class = "decode"     // malformed JSON body
	ClassHTTP      Class = "http_other" // any other non-2xx
)

// Policy says whether and how a class is retried.
type Policy struct {
	Retryable bool
	BaseDelay time.Duration
	RotateUA  bool
}

// Policies is the retry table. Classes missing from it are terminal.
var Policies = map[Class]Policy{
	ClassAuth:      {Retryable: true, BaseDelay: 15 * time.Second, RotateUA: true},
	ClassRateLimit: {Retryable: true, BaseDelay: 7 * time.Second, RotateUA: true},
	ClassServer:    {Retryable: true, BaseDelay: 7 * time.Second, RotateUA: true},
	ClassTimeout:   {Retryable: true, BaseDelay: 20 * time.Second, RotateUA: true},
	ClassTLS:       {Retryable: true, BaseDelay: 30 * time.Second, RotateUA: false},
	ClassNetwork:   {Retryable: true, BaseDelay: 10 * time.Second, RotateUA: true},
	ClassDecode:    {Retryable: false},
	ClassHTTP:      {Retryable: false},
}

// ClassifyStatus maps a non-2xx status code to its class.
func ClassifyStatus(code int) Class {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	case http.StatusTooManyRequests:
		return ClassRateLimit
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ClassServer
	default:
		return ClassHTTP
	}
}

// ClassifyError maps a transport error to timeout, tls or network.
func ClassifyError(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	if isTLS(err) {
		return ClassTLS
	}
	return ClassNetwork
}

func isTLS(err error) bool {
	var (
		recErr   tls.RecordHeaderError
		alertErr tls.AlertError
		verify   *tls.CertificateVerificationError
		unknown  x509.UnknownAuthorityError
		host     x509.HostnameError
		invalid  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recErr), errors.As(err, &alertErr), errors.As(err, &verify),
		errors.As(err, &unknown), errors.As(err, &host), errors.As(err, &invalid):
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

// Backoff computes the delay before the attempt following a failed attempt
// (zero-based): min(max, base*mult^attempt) + jitter.
type Backoff struct {
	Multiplier float64
	Max        time.Duration
	// Jitter returns the additive random part. Default: uniform [0.5s, 2.0s).
	Jitter func() time.Duration
}

// Delay returns the wait after the given failed attempt.
func (b Backoff) Delay(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	j := b.Jitter
	if j == nil {
		j = defaultJitter
	}
	return time.Duration(d) + j()
}

func defaultJitter() time.Duration {
	return 500*time.Millisecond + time.Duration(rand.Float64()*float64(1500*time.Millisecond))
}

// SleepCtx waits for d or until ctx is done.
func SleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
