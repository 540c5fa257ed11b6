package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"lmsync/retry"
)

// Client wraps an HTTP client with retry logic, rate limit handling and
// typed error mapping. A single Client instance is shared by the API client
// and the download pipeline so all outbound requests go through one
// rate limiter.
type Client struct {
	base           *http.Client
	config         *Config
	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreaker
	session        *Session
}

// Config holds HTTP client configuration including retry and rate limit settings.
type Config struct {
	// Timeout for individual HTTP requests. Streaming requests (Stream)
	// are exempt; large downloads are bounded by context instead.
	Timeout time.Duration

	// Retry configuration
	Retry retry.Config

	// User agent for HTTP requests
	UserAgent string

	// Rate limiter configuration
	RateLimiter RateLimiterConfig

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig

	// Connection pool configuration
	Transport TransportConfig
}

// TransportConfig configures the HTTP transport (connection pooling).
type TransportConfig struct {
	// MaxIdleConns is the maximum number of idle connections across all hosts.
	// Default: 20
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum idle connections per host.
	// Default: 10
	MaxIdleConnsPerHost int

	// MaxConnsPerHost is the maximum concurrent connections per host.
	// Default: 20
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle connection can remain open.
	// Default: 90 seconds
	IdleConnTimeout time.Duration

	// ForceAttemptHTTP2 forces HTTP/2 for connections to servers that don't explicitly support it.
	// Default: true
	ForceAttemptHTTP2 bool
}

// DefaultConfig returns sensible defaults for HTTP client configuration.
func DefaultConfig() *Config {
	cbConfig := DefaultCircuitBreakerConfig()
	cbConfig.IsTransientError = IsTransientHTTPError
	return &Config{
		Timeout:        30 * time.Second,
		Retry:          retry.DefaultConfig(),
		UserAgent:      "lmsync/1.0",
		RateLimiter:    DefaultRateLimiterConfig(),
		CircuitBreaker: cbConfig,
		Transport:      DefaultTransportConfig(),
	}
}

// DefaultTransportConfig returns sensible defaults for HTTP transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// New creates a new HTTP client with the given configuration.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Transport.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Transport.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Transport.IdleConnTimeout,
		ForceAttemptHTTP2:   cfg.Transport.ForceAttemptHTTP2,
	}

	base := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	return &Client{
		base:           base,
		config:         cfg,
		rateLimiter:    NewRateLimiter(cfg.RateLimiter),
		circuitBreaker: NewCircuitBreaker(cfg.CircuitBreaker),
	}
}

// SetSession attaches a captured session whose headers and cookies are
// applied to subsequent requests. Explicit per-request headers win.
func (c *Client) SetSession(s *Session) {
	c.session = s
}

// Response represents a buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Get performs a GET request with retry logic.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// Head performs a HEAD request with retry logic. Used for change checks
// (etag, content length) without transferring the body.
func (c *Client) Head(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodHead, url, nil, headers)
}

// Do performs an HTTP request with retry logic and rate limit handling,
// buffering the full response body. The circuit breaker fails fast when a
// domain is unresponsive.
func (c *Client) Do(ctx context.Context, method, urlStr string, body io.Reader, headers map[string]string) (*Response, error) {
	resp, err := c.roundTrip(ctx, c.base, method, urlStr, body, headers, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.circuitBreaker.RecordFailure(c.rateLimiter.extractDomain(urlStr), err)
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// Stream performs a GET request and hands the caller the raw response for
// body streaming. The caller owns resp.Body and must close it. Retries and
// rate limiting apply up to the point response headers arrive; mid-body
// failures are the caller's to handle (the download pipeline resumes them).
func (c *Client) Stream(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	// No client-level timeout: a large download legitimately outlives it.
	streaming := &http.Client{Transport: c.base.Transport}
	return c.roundTrip(ctx, streaming, http.MethodGet, urlStr, nil, headers, acceptPartialContent)
}

// acceptPartialContent treats 206 and 200 as success for ranged requests.
func acceptPartialContent(status int) bool {
	return status == http.StatusOK || status == http.StatusPartialContent
}

// roundTrip is the shared request path: circuit breaker, backoff wait, rate
// limiter, then a retried request whose non-2xx statuses map to typed errors.
// On success the returned response body is still open.
func (c *Client) roundTrip(ctx context.Context, httpClient *http.Client, method, urlStr string, body io.Reader, headers map[string]string, accept func(int) bool) (*http.Response, error) {
	domain := c.rateLimiter.extractDomain(urlStr)

	if err := c.circuitBreaker.Allow(domain); err != nil {
		return nil, err
	}

	if err := c.rateLimiter.WaitForBackoff(ctx, urlStr); err != nil {
		c.circuitBreaker.RecordFailure(domain, err)
		return nil, err
	}

	if err := c.rateLimiter.Wait(ctx, urlStr); err != nil {
		c.circuitBreaker.RecordFailure(domain, err)
		return nil, err
	}

	var lastResp *http.Response

	err := retry.Do(ctx, c.config.Retry, c.isRetryableHTTPError, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
		if err != nil {
			return err
		}

		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		for k, v := range headers {
			req.Header.Set(k, v)
		}

		// Captured session headers fill the gaps, never override
		if c.session != nil {
			for k, v := range c.session.Headers() {
				if req.Header.Get(k) == "" {
					req.Header.Set(k, v)
				}
			}
			if req.Header.Get("Cookie") == "" {
				if cookie := c.session.CookieHeader(req.URL.Hostname()); cookie != "" {
					req.Header.Set("Cookie", cookie)
				}
			}
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRequestFailed, err)
		}

		if err := c.classifyStatus(resp, urlStr, accept); err != nil {
			return err
		}

		lastResp = resp
		return nil
	})

	if err != nil {
		c.circuitBreaker.RecordFailure(domain, err)
		return nil, err
	}

	if lastResp == nil {
		c.circuitBreaker.RecordFailure(domain, ErrNoResponse)
		return nil, ErrNoResponse
	}

	c.rateLimiter.RecordSuccess(urlStr)
	c.circuitBreaker.RecordSuccess(domain)
	return lastResp, nil
}

// classifyStatus maps non-success statuses to typed errors and drains the
// failed response. A nil return means the response is the caller's.
func (c *Client) classifyStatus(resp *http.Response, urlStr string, accept func(int) bool) error {
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if accept != nil {
		ok = accept(resp.StatusCode)
	}
	if ok {
		return nil
	}

	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{URL: urlStr, Body: bodyBytes}

	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable:
		retryAfter := c.recordThrottle(urlStr, resp.Header)
		return &RateLimitError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusForbidden:
		// 403 with an explicit wait hint is throttling, otherwise a denial
		if resp.Header.Get("Retry-After") != "" {
			retryAfter := c.recordThrottle(urlStr, resp.Header)
			return &RateLimitError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
		}
		return &PermissionError{URL: urlStr, Body: bodyBytes}

	default:
		return &HTTPError{StatusCode: resp.StatusCode, Body: bodyBytes}
	}
}

// recordThrottle feeds a rate-limit response into the limiter's backoff state
// and returns the effective wait.
func (c *Client) recordThrottle(urlStr string, header http.Header) time.Duration {
	retryAfter := parseRetryAfter(header)
	if recommended := c.rateLimiter.RecordRateLimitError(urlStr, retryAfter); recommended > retryAfter {
		retryAfter = recommended
	}
	return retryAfter
}

// isRetryableHTTPError determines if an HTTP error is retryable.
func (c *Client) isRetryableHTTPError(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}

	switch e := err.(type) {
	case *AuthError, *PermissionError:
		// Retrying cannot mint new credentials
		return false
	case *RateLimitError:
		return true
	case *HTTPError:
		return e.StatusCode >= 500
	}

	return true
}

// parseRetryAfter extracts the Retry-After header value, either as a number
// of seconds or an HTTP date. Returns 0 if absent or unparsable.
func parseRetryAfter(header http.Header) time.Duration {
	retryAfter := header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}

	return 0
}

// linkNextRe matches one RFC 5988 Link header entry with rel="next".
var linkNextRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// NextPageURL extracts the pagination continuation URL from a response's
// Link header. An empty string signals exhaustion. The value is opaque to
// callers: it is handed back verbatim as the next request URL.
func NextPageURL(header http.Header) string {
	for _, link := range header.Values("Link") {
		if m := linkNextRe.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// Close closes the HTTP client connections and releases all resources.
func (c *Client) Close() error {
	if c.base != nil && c.base.Transport != nil {
		c.base.CloseIdleConnections()
	}
	return nil
}
