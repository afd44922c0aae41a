package davproto

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Transport policy constants from the CalDavClient contract.
const (
	ConnectTimeout = 15 * time.Second
	ReadTimeout    = 30 * time.Second
	WriteTimeout   = 30 * time.Second

	MaxResponseBytes = 10 << 20 // 10 MiB

	maxRetries  = 2
	baseBackoff = 500 * time.Millisecond
)

// HTTPClient performs HTTP requests. It's implemented by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BasicAuth holds credentials applied to every request as an HTTP Basic
// Authorization header (RFC 7617, UTF-8 encoded). Bound at construction:
// the type has no exported mutator, so credentials can't change out from
// under a client already shared across concurrent calendar syncs.
type BasicAuth struct {
	username, password string
}

func NewBasicAuth(username, password string) BasicAuth {
	return BasicAuth{username: username, password: password}
}

// roundTripper applies Basic Auth on every request, including ones replayed
// after a redirect, which is what lets iCloud's regional redirect to
// p*-caldav.icloud.com carry credentials through.
type roundTripper struct {
	next http.RoundTripper
	auth BasicAuth
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(rt.auth.username, rt.auth.password)
	return rt.next.RoundTrip(req)
}

// NewHTTPClient builds the shared *http.Client for one provider account:
// fixed timeouts, a connection pool shared across the account's calendars,
// and credentials bound as a network interceptor.
func NewHTTPClient(auth BasicAuth) *http.Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       5 * time.Minute,
		TLSHandshakeTimeout:   ConnectTimeout,
		ResponseHeaderTimeout: ReadTimeout,
	}
	return &http.Client{
		Transport: &roundTripper{next: transport, auth: auth},
		Timeout:   ConnectTimeout + ReadTimeout + WriteTimeout,
	}
}

// Client is the low-level WebDAV/CalDAV transport: XML request
// construction, multistatus decoding, and the retry/backoff policy shared
// by every higher-level CalDAV operation.
type Client struct {
	http     HTTPClient
	endpoint *url.URL
}

func NewClient(c HTTPClient, endpoint string) (*Client, error) {
	if c == nil {
		c = http.DefaultClient
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return &Client{http: c, endpoint: u}, nil
}

func (c *Client) ResolveHref(p string) *url.URL {
	// Absolute URLs (discovery results, stored caldavUrl values) pass
	// through untouched; only server-relative hrefs resolve against the
	// endpoint.
	if abs, err := url.Parse(p); err == nil && abs.IsAbs() {
		return abs
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.endpoint.Path, p)
	}
	return &url.URL{
		Scheme: c.endpoint.Scheme,
		User:   c.endpoint.User,
		Host:   c.endpoint.Host,
		Path:   p,
	}
}

func (c *Client) NewRequest(method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequest(method, c.ResolveHref(path).String(), body)
}

func (c *Client) NewXMLRequest(method, path string, v interface{}) (*http.Request, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	req, err := c.NewRequest(method, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	return req, nil
}

// isRetryableStatus reports 5xx, except 507 Insufficient Storage: as a
// sync-collection reply it is a truncation signal carrying a usable body,
// and as a quota condition elsewhere it won't clear by retrying.
func isRetryableStatus(code int) bool {
	return code >= 500 && code <= 599 && code != http.StatusInsufficientStorage
}

// retryAfter parses the Retry-After header per RFC 7231: either
// delay-seconds or an HTTP-date.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}

func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << attempt
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

// Do sends req, retrying on network errors, timeouts, and 5xx responses up
// to maxRetries times with exponential backoff; 503/429 honor Retry-After.
// SSL/TLS handshake failures are never retried. The response body is capped
// at MaxResponseBytes to bound memory.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req, false)
}

// do is Do with an escape hatch for 507 Insufficient Storage: a truncated
// sync-collection REPORT (RFC 6578) arrives as 507 with a multistatus body
// that the caller still needs to read, so DoMultiStatusTruncated asks for
// the response back instead of an error. Every other non-2xx status is
// converted to an *HTTPError.
func (c *Client) do(req *http.Request, allow507 bool) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		bodyBytes = b
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if isTLSError(err) {
				return nil, &HTTPError{Code: 0, Err: fmt.Errorf("davproto: tls handshake failed: %w", err)}
			}
			lastErr = err
			if attempt < maxRetries {
				sleep(req.Context(), backoffDelay(attempt))
				continue
			}
			return nil, fmt.Errorf("davproto: network error: %w", err)
		}

		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
			if attempt < maxRetries {
				d := retryAfter(resp.Header, backoffDelay(attempt))
				resp.Body.Close()
				sleep(req.Context(), d)
				continue
			}
		} else if isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			resp.Body.Close()
			sleep(req.Context(), backoffDelay(attempt))
			continue
		}

		if resp.StatusCode/100 != 2 {
			if !allow507 || resp.StatusCode != http.StatusInsufficientStorage {
				return nil, errorFromResponse(resp)
			}
		}

		resp.Body = &sizeLimitedBody{rc: resp.Body, remaining: MaxResponseBytes}
		return resp, nil
	}

	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) {
	if ctx == nil {
		time.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func isTLSError(err error) bool {
	return strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "certificate")
}

func errorFromResponse(resp *http.Response) error {
	defer resp.Body.Close()

	httpErr := &HTTPError{Code: resp.StatusCode}

	contentType := resp.Header.Get("Content-Type")
	t, _, _ := mime.ParseMediaType(contentType)
	switch {
	case t == "application/xml" || t == "text/xml":
		var davErr Error
		lr := io.LimitedReader{R: resp.Body, N: MaxResponseBytes}
		if err := xml.NewDecoder(&lr).Decode(&davErr); err == nil {
			httpErr.DAV = &davErr
			httpErr.Err = &davErr
		}
	case strings.HasPrefix(t, "text/"):
		lr := io.LimitedReader{R: resp.Body, N: 1024}
		var buf bytes.Buffer
		io.Copy(&buf, &lr)
		if s := strings.TrimSpace(buf.String()); s != "" {
			httpErr.Err = fmt.Errorf("%v", s)
		}
	}
	return httpErr
}

// ErrResponseTooLarge is returned once a response body crosses
// MaxResponseBytes, so callers surface a typed NETWORK-class error instead
// of buffering an unbounded body into memory.
var ErrResponseTooLarge = fmt.Errorf("davproto: response body exceeds %d bytes", MaxResponseBytes)

// sizeLimitedBody enforces MaxResponseBytes on a response body, returning
// ErrResponseTooLarge instead of silently truncating.
type sizeLimitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (b *sizeLimitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.rc.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *sizeLimitedBody) Close() error {
	return b.rc.Close()
}

func (c *Client) DoMultiStatus(req *http.Request) (*Multistatus, error) {
	ms, _, err := c.DoMultiStatusTruncated(req)
	return ms, err
}

// DoMultiStatusTruncated is DoMultiStatus plus RFC 6578 truncation
// awareness: a server that cut a sync-collection result short replies 507
// Insufficient Storage, still carrying a multistatus body with the partial
// result set and a fresh sync-token. That body is decoded exactly like a
// 207's, with truncated=true so the caller knows to continue from the new
// token.
func (c *Client) DoMultiStatusTruncated(req *http.Request) (*Multistatus, bool, error) {
	resp, err := c.do(req, true)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	truncated := resp.StatusCode == http.StatusInsufficientStorage
	if resp.StatusCode != http.StatusMultiStatus && !truncated {
		return nil, false, fmt.Errorf("davproto: expected 207 Multi-Status, got %v", resp.Status)
	}

	var ms Multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, false, err
	}
	return &ms, truncated, nil
}

func (c *Client) Propfind(path string, depth Depth, propfind *Propfind) (*Multistatus, error) {
	req, err := c.NewXMLRequest("PROPFIND", path, propfind)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", depth.String())
	return c.DoMultiStatus(req)
}

// PropfindFlat performs a Depth:0 PROPFIND and returns the single response.
func (c *Client) PropfindFlat(path string, propfind *Propfind) (*Response, error) {
	ms, err := c.Propfind(path, DepthZero, propfind)
	if err != nil {
		return nil, err
	}
	return ms.Get(c.ResolveHref(path).Path)
}

func parseCommaSeparatedSet(values []string, upper bool) map[string]bool {
	m := make(map[string]bool)
	for _, v := range values {
		for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			if upper {
				f = strings.ToUpper(f)
			} else {
				f = strings.ToLower(f)
			}
			if f != "" {
				m[f] = true
			}
		}
	}
	return m
}

// Options performs an OPTIONS request and returns the DAV compliance classes
// and allowed methods, used by checkConnection to confirm RFC 4791
// calendar-access support.
func (c *Client) Options(path string) (classes map[string]bool, methods map[string]bool, err error) {
	req, err := c.NewRequest(http.MethodOptions, path, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	resp.Body.Close()

	classes = parseCommaSeparatedSet(resp.Header["Dav"], false)
	methods = parseCommaSeparatedSet(resp.Header["Allow"], true)
	return classes, methods, nil
}
