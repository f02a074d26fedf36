// Implements Doer on net/http with optional pacing and bearer credentials.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultTimeout is used when neither the request nor the options set one.
const DefaultTimeout = 60 * time.Second

// Options configures an HTTPClient.
type Options struct {
	// Timeout is the default per request timeout. 0 means DefaultTimeout.
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests. 0 means unlimited.
	RequestsPerSecond float64
	// BearerToken, when set, is sent as an Authorization header. Useful when
	// the backend sits behind an authenticating reverse proxy.
	BearerToken string
	// Client is the base client. nil means http.DefaultClient.
	Client *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HTTPClient is a Doer backed by net/http.
type HTTPClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(opts Options) *HTTPClient {
	c := &HTTPClient{
		httpClient: opts.Client,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if opts.BearerToken != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		c.httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.BearerToken,
			TokenType:   "Bearer",
		}))
	}
	return c
}

// Do implements Doer.
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
		}
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	contentType := ""
	if r.Form != nil {
		data, ct, err := r.Form.encode()
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = ct
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.ResponseType == ResponseJSON {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.DebugContext(ctx, "http", "method", method, "url", r.URL, "status", resp.StatusCode, "bytes", len(respBody), "dur", time.Since(start).Round(time.Millisecond))
	return &Response{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// statusText returns the reason phrase, e.g. "Not Found" for "404 Not Found".
func statusText(resp *http.Response) string {
	s := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	s = strings.TrimSpace(s)
	if s == "" {
		s = http.StatusText(resp.StatusCode)
	}
	return s
}
