// Package checker verifies URLs over HTTP and classifies the outcome.
package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/linkcheck/internal/hash/sha256"
	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
)

var errTooManyRedirects = errors.New("too many redirects")

// Config controls request behavior.
type Config struct {
	Timeout         time.Duration
	MaxRedirects    int
	FollowRedirects bool
	// RedirectRetryCount is the redirect count after a HEAD request that is
	// re-verified with GET. A negative value disables that retry.
	RedirectRetryCount int
	UserAgent          string
	AcceptLanguage     string
	Signatures         []Signature
	MaxLogBodyBytes    int
}

// DefaultConfig returns the settings used for unset fields.
func DefaultConfig() Config {
	return Config{
		Timeout:            30 * time.Second,
		MaxRedirects:       5,
		FollowRedirects:    true,
		RedirectRetryCount: 1,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		AcceptLanguage:     "en-US,en;q=0.5",
		MaxLogBodyBytes:    2048,
	}
}

// Checker implements linkcheck.Checker over net/http.
type Checker struct {
	cfg        Config
	client     *http.Client
	hasher     linkcheck.Hasher
	signatures signatureSet
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes a Checker.
type Option func(*Checker)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Checker) {
		c.client.Transport = rt
	}
}

// WithHasher replaces the fingerprint hasher.
func WithHasher(h linkcheck.Hasher) Option {
	return func(c *Checker) {
		c.hasher = h
	}
}

// New builds a Checker.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Checker {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = def.AcceptLanguage
	}
	if cfg.MaxLogBodyBytes <= 0 {
		cfg.MaxLogBodyBytes = def.MaxLogBodyBytes
	}
	c := &Checker{
		cfg:        cfg,
		client:     &http.Client{Transport: newHTTPTransport()},
		hasher:     sha256.NewShort(16),
		signatures: newSignatureSet(cfg),
		logger:     logging.OrNop(logger).Named("checker"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Check issues a HEAD request, falls back to GET once when the HEAD outcome
// is untrustworthy, and returns the classified result. Transport failures are
// folded into the result.
func (c *Checker) Check(ctx context.Context, rawURL string) linkcheck.CheckResult {
	u, err := url.Parse(rawURL)
	if err != nil || !linkcheck.IsCheckable(rawURL) || u.Host == "" {
		res := linkcheck.CheckResult{
			URL:        rawURL,
			FinalURL:   rawURL,
			Warning:    true,
			StatusText: "Invalid URL",
			ErrorCode:  ErrorInvalidURL,
			Log:        fmt.Sprintf("Invalid URL %q: only absolute http and https URLs can be checked.", rawURL),
		}
		return c.finish(res)
	}

	head := c.request(ctx, http.MethodHead, u)
	res := head
	if c.shouldRetryWithGet(head) {
		get := c.request(ctx, http.MethodGet, u)
		get.Log = head.Log + "\n" + "Retrying with GET.\n\n" + get.Log
		res = get
	}
	return c.finish(res)
}

func (c *Checker) shouldRetryWithGet(head linkcheck.CheckResult) bool {
	if head.Timeout {
		return false
	}
	if head.Broken {
		return true
	}
	return c.cfg.RedirectRetryCount >= 0 && head.RedirectCount == c.cfg.RedirectRetryCount && head.RedirectCount > 0
}

func (c *Checker) finish(res linkcheck.CheckResult) linkcheck.CheckResult {
	if res.StatusText == "" {
		res.StatusText = http.StatusText(res.HTTPCode)
	}
	fingerprint := fmt.Sprintf("%d|%t|%t|%t", res.HTTPCode, res.Broken, res.Timeout, res.RedirectCount > 0)
	if digest, err := c.hasher.Hash([]byte(fingerprint)); err == nil {
		res.ResultHash = digest
	} else {
		res.ResultHash = fingerprint
	}
	c.logger.Debug("link checked",
		zap.String("url", res.URL),
		zap.String("status", string(res.Status())),
		zap.Int("http_code", res.HTTPCode),
		zap.Int("redirects", res.RedirectCount),
		zap.Duration("duration", res.RequestDuration),
	)
	return res
}

func (c *Checker) request(ctx context.Context, method string, u *url.URL) linkcheck.CheckResult {
	res := linkcheck.CheckResult{URL: u.String(), FinalURL: u.String(), MayRecheck: true}
	var log strings.Builder
	fmt.Fprintf(&log, "=== %s %s ===\n", method, u.String())

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), nil)
	if err != nil {
		res.Warning = true
		res.MayRecheck = false
		res.StatusText = "Invalid URL"
		res.ErrorCode = ErrorInvalidURL
		fmt.Fprintf(&log, "Could not build request: %v\n", err)
		res.Log = log.String()
		return res
	}
	c.signatures.apply(req)
	writeHeaders(&log, "Request headers", req.Header)

	hops := 0
	client := *c.client
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if !c.cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) > c.cfg.MaxRedirects {
			return errTooManyRedirects
		}
		hops = len(via)
		return nil
	}

	start := c.now()
	resp, err := client.Do(req)
	res.RequestDuration = c.now().Sub(start)
	res.RedirectCount = hops

	if resp != nil {
		defer resp.Body.Close() //nolint:errcheck // best-effort close
		res.HTTPCode = resp.StatusCode
		if resp.Request != nil && resp.Request.URL != nil {
			res.FinalURL = resp.Request.URL.String()
		}
		fmt.Fprintf(&log, "\nResponse: %s (%.3fs)\n", responseLine(resp), res.RequestDuration.Seconds())
		writeHeaders(&log, "Response headers", resp.Header)
	}

	switch {
	case err != nil && errors.Is(err, errTooManyRedirects):
		res.Broken = true
		res.StatusText = "Too many redirects"
		res.ErrorCode = ErrorTooManyRedirects
		fmt.Fprintf(&log, "\nGave up after %d redirects.\n", hops)
	case err != nil:
		o := classifyError(err, res.RequestDuration, c.cfg.Timeout)
		res.HTTPCode = o.code
		res.Broken, res.Warning, res.Timeout = o.broken, o.warning, o.timeout
		res.StatusText = o.statusText
		res.ErrorCode = o.errorCode
		fmt.Fprintf(&log, "\nRequest failed after %.3fs: %v\n", res.RequestDuration.Seconds(), err)
	default:
		res.Broken, res.Warning = classifyCode(res.HTTPCode)
		if res.RedirectCount == 0 && isRedirectCode(res.HTTPCode) {
			// Redirects were not followed; still report this as one hop.
			res.RedirectCount = 1
			if loc, locErr := resp.Location(); locErr == nil {
				res.FinalURL = loc.String()
			}
		}
		if method == http.MethodGet && res.Broken {
			writeBodyExcerpt(&log, resp, c.cfg.MaxLogBodyBytes)
		}
	}

	res.Log = log.String()
	return res
}

func responseLine(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Proto + " " + resp.Status
	}
	return fmt.Sprintf("%s %d", resp.Proto, resp.StatusCode)
}

func writeHeaders(w io.Writer, title string, h http.Header) {
	if len(h) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	_ = h.WriteSubset(w, nil)
}

// writeBodyExcerpt logs the start of a textual body as UTF-8, decoded from
// the declared or sniffed charset.
func writeBodyExcerpt(w io.Writer, resp *http.Response, limit int) {
	contentType := resp.Header.Get("Content-Type")
	if !isTextual(contentType) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)))
	if err != nil || len(body) == 0 {
		return
	}
	if r, err := charset.NewReader(bytes.NewReader(body), contentType); err == nil {
		if decoded, err := io.ReadAll(r); err == nil {
			body = decoded
		}
	}
	text := strings.ToValidUTF8(string(body), "\uFFFD")
	fmt.Fprintf(w, "\nResponse body (first %d bytes):\n%s\n", limit, text)
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return false
	}
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "javascript")
}
