// Package transport is the HTTP boundary to the opaque server collaborator.
//
// The server accepts standard CRUD requests (GET/POST/PUT/DELETE on
// /{resource} and /{resource}/{id}) with JSON bodies and answers with
// standard status codes. This package issues those requests with a fixed
// timeout, attaches the security token, and classifies every result into
// the outcome taxonomy the sync processor drives on.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds every request. A stuck call is indistinguishable
// from a dead network, so timeouts classify as retryable.
const DefaultTimeout = 10 * time.Second

// TokenProvider supplies the security token attached to every mutating
// request. The hosting environment owns the token; this layer only
// forwards it.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields the same token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Response is the decoded result of a server call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the server root every resource path is joined to.
	BaseURL string

	// Token supplies the security token. Optional for read-only use.
	Token TokenProvider

	// Timeout bounds each request (default: DefaultTimeout).
	Timeout time.Duration

	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client

	// Logger for request activity (default: stderr logger).
	Logger *log.Logger
}

// Client issues JSON requests against the server collaborator.
type Client struct {
	base   *url.URL
	token  TokenProvider
	http   *http.Client
	logger *log.Logger
}

// New creates a client for the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[http] ", log.LstdFlags)
	}

	return &Client{
		base:   base,
		token:  cfg.Token,
		http:   httpClient,
		logger: logger,
	}, nil
}

// Do issues one request and returns the response, with network-level
// failures mapped onto the taxonomy (ErrTimeout, ErrNetworkUnavailable).
//
// Non-2xx statuses are NOT errors here; callers classify them with
// Classify so the sync state machine sees every status.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	u, err := c.base.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil && method != http.MethodGet && method != http.MethodHead {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain security token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		classified := classifyTransportError(err)
		c.logger.Printf("%s %s failed: %v", method, path, classified)
		return nil, classified
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrNetworkUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Printf("%s %s returned %d", method, path, resp.StatusCode)
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// classifyTransportError maps a net/http error onto the taxonomy.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}
