// Package upstream implements the per-registry HTTP session: credential
// acquisition (Basic and Bearer token flows), a scope-aware token cache,
// and redirect-safe request forwarding to upstream Distribution Registry
// API v2 servers.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cargobay/cargobay/core"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
)

// Response is an upstream HTTP response with a streaming, unbuffered body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client is a per-registry HTTP session. It is safe for concurrent use;
// one Client typically serves every request destined for one registry.
type Client struct {
	registry core.RegistryDescriptor

	httpClient *http.Client
	tokens     *tokenSource
	userAgent  string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithHTTPClient overrides the underlying *http.Client (tests use this to
// point at an httptest server without touching global transport state).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client for the given registry descriptor.
func New(registry core.RegistryDescriptor, opts ...Option) *Client {
	c := &Client{
		registry: registry,
		httpClient: &http.Client{
			// No whole-request deadline and no dial or body-read timeout:
			// the transport bounds only the wait for response headers, and
			// IdleConnTimeout applies to pooled idle connections.
			Timeout: 0,
			Transport: &http.Transport{
				ResponseHeaderTimeout: defaultConnectTimeout,
				IdleConnTimeout:       defaultIdleTimeout,
			},
			CheckRedirect: stripCredentialsOnRedirect,
		},
		userAgent: "cargobay/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = newTokenSource(c.httpClient)
	return c
}

// stripCredentialsOnRedirect is installed as the http.Client's
// CheckRedirect hook so that any redirect to a different host never
// carries the Authorization header along with it. Blob responses are
// routinely redirected to blob-storage hosts that must not see registry
// credentials.
func stripCredentialsOnRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if len(via) > 0 && !sameHost(req.URL, via[0].URL) {
		req.Header.Del("Authorization")
	}
	return nil
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Host, b.Host)
}

// Request performs an authenticated GET or HEAD against the upstream
// registry at path (e.g. "/v2/library/alpine/manifests/latest"),
// negotiating Basic/Bearer authentication as needed and retrying once on
// a 401 challenge.
func (c *Client) Request(ctx context.Context, method, path, upstreamName string, accept []string) (*Response, error) {
	target := strings.TrimRight(c.registry.BaseURL, "/") + path
	scope := scopeForPath(upstreamName)

	// A cached session from an earlier request against this repository
	// scope lets the second and later requests skip the token endpoint
	// entirely, per the "cached session" contract.
	if token, ok := c.tokens.get(c.registry.ID, scope); ok {
		resp, err := c.do(ctx, method, target, accept, nil, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		resp.Body.Close()
	}

	resp, err := c.do(ctx, method, target, accept, c.registry.Credentials, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	ch, ok := parseBearerChallenge(wwwAuth)
	if !ok {
		return nil, fmt.Errorf("%w: upstream requires authentication with no bearer challenge", core.ErrUpstreamAuthFailed)
	}
	if ch.scope == "" {
		ch.scope = scope
	}

	token, err := c.tokens.acquire(ctx, c.registry.ID, ch, c.registry.Credentials)
	if err != nil {
		return nil, err
	}

	return c.do(ctx, method, target, accept, nil, token)
}

func (c *Client) do(ctx context.Context, method, target string, accept []string, creds *core.RegistryCredentials, bearerToken string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for _, a := range accept {
		req.Header.Add("Accept", a)
	}
	req.Header.Set("User-Agent", c.userAgent)

	switch {
	case bearerToken != "":
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	case creds != nil && creds.Username != "":
		req.Header.Set("Authorization", basicAuthHeader(creds))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream returned %d: %s", core.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// FetchBlob issues an authenticated GET for a blob and returns a
// cache.FetchFunc-compatible triple: body, content length, content type.
func (c *Client) FetchBlob(ctx context.Context, upstreamName, digest string) (io.ReadCloser, int64, string, error) {
	path := fmt.Sprintf("/v2/%s/blobs/%s", upstreamName, digest)
	resp, err := c.Request(ctx, http.MethodGet, path, upstreamName, []string{"application/octet-stream"})
	if err != nil {
		return nil, 0, "", err
	}
	if resp.StatusCode != http.StatusOK {
		err := mapStatus(resp.StatusCode, resp.Body)
		resp.Body.Close()
		return nil, 0, "", err
	}
	return resp.Body, resp.ContentLength(), resp.Header.Get("Content-Type"), nil
}

// ContentLength parses the Content-Length header, returning -1 if absent
// or malformed.
func (r *Response) ContentLength() int64 {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
