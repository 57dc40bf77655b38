// Package providerclient implements C6: a per-provider HTTP client that
// injects the current auth token, classifies transport errors, and retries
// once on a repaired 401, grounded on the teacher's sdk/cliproxy executor
// request/response shapes (executor.Request/Response/StreamResult) and its
// BaseAPIHandler streaming conventions.
package providerclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/lifecycle"
	"github.com/routecodex/gateway/internal/logging"
)

var log = logging.For("providerclient")

// ErrorType enumerates the ProviderError taxonomy (spec §4.6).
type ErrorType string

const (
	ErrorNetwork   ErrorType = "network"
	ErrorTimeout   ErrorType = "timeout"
	ErrorRateLimit ErrorType = "rate_limit"
	ErrorServer    ErrorType = "server"
	ErrorAuth      ErrorType = "auth"
	ErrorUnknown   ErrorType = "unknown"
)

// ProviderError is the structured classification of a failed provider call
// (spec §4.6).
type ProviderError struct {
	Type       ErrorType
	StatusCode int
	Details    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return "providerclient: " + string(e.Type) + ": " + e.Details
}

// classify derives a ProviderError from a completed HTTP response.
func classify(statusCode int, body []byte) *ProviderError {
	details := strings.TrimSpace(string(body))
	typ := ErrorUnknown
	switch {
	case statusCode == http.StatusTooManyRequests:
		typ = ErrorRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		typ = ErrorAuth
	case statusCode >= 500:
		typ = ErrorServer
	}
	retryable := typ == ErrorNetwork || typ == ErrorTimeout || typ == ErrorRateLimit || typ == ErrorServer || statusCode >= 500 || statusCode == 429
	return &ProviderError{Type: typ, StatusCode: statusCode, Details: details, Retryable: retryable}
}

func classifyTransportErr(err error) *ProviderError {
	typ := ErrorNetwork
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		typ = ErrorTimeout
	}
	return &ProviderError{Type: typ, Details: err.Error(), Retryable: true}
}

// Client is a per-provider HTTP client (spec §4.6).
type Client struct {
	Profile    gwconfig.ProviderProfile
	Provider   string
	HTTPClient *http.Client
	Lifecycle  *lifecycle.Manager
	Auth       lifecycle.Auth
	Sink       gwerrors.Sink

	mu          sync.Mutex
	cachedToken string
	cachedUntil time.Time
}

// New constructs a Client for one provider profile.
func New(provider string, profile gwconfig.ProviderProfile, httpClient *http.Client, lifecycleMgr *lifecycle.Manager, auth lifecycle.Auth, sink gwerrors.Sink) *Client {
	if httpClient == nil {
		timeout := time.Duration(profile.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if sink == nil {
		sink = gwerrors.NoopSink{}
	}
	return &Client{Profile: profile, Provider: provider, HTTPClient: httpClient, Lifecycle: lifecycleMgr, Auth: auth, Sink: sink}
}

// tokenCacheWindow bounds how long a recently-validated token is trusted
// without re-checking C3 (spec §4.6: "cheap in-memory cache for recent
// positives").
const tokenCacheWindow = 5 * time.Second

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.cachedToken != "" && time.Now().Before(c.cachedUntil) {
		tok := c.cachedToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	rec, err := c.Lifecycle.EnsureValidToken(ctx, c.Auth, lifecycle.Options{})
	if err != nil {
		return "", err
	}
	tok := rec.AccessToken
	if tok == "" {
		tok = rec.APIKey
	}

	c.mu.Lock()
	c.cachedToken = tok
	c.cachedUntil = time.Now().Add(tokenCacheWindow)
	c.mu.Unlock()
	return tok, nil
}

func (c *Client) invalidateTokenCache() {
	c.mu.Lock()
	c.cachedToken = ""
	c.mu.Unlock()
}

// authPrefix returns the scheme prefix for the Authorization header,
// defaulting to "Bearer " (spec §4.6).
func (c *Client) authPrefix() string {
	if c.Profile.AuthScheme != "" {
		return c.Profile.AuthScheme
	}
	return "Bearer"
}

func (c *Client) buildRequest(ctx context.Context, body []byte, token string) (*http.Request, error) {
	url := c.Profile.BaseURL + c.Profile.Endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "providerclient: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "routecodex-gateway/1.0 ("+c.Provider+")")
	req.Header.Set("Authorization", c.authPrefix()+" "+token)
	for k, v := range c.Profile.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Send performs a non-streaming call, retrying once if a repaired 401
// recovery succeeds (spec §4.6).
func (c *Client) Send(ctx context.Context, body []byte) ([]byte, http.Header, error) {
	payload, headers, err := c.sendOnce(ctx, body)
	if err == nil {
		return payload, headers, nil
	}
	perr, ok := err.(*ProviderError)
	if !ok || perr.Type != ErrorAuth {
		c.emitError(err)
		return nil, nil, err
	}

	c.invalidateTokenCache()
	recovered, herr := c.Lifecycle.HandleUpstreamInvalidOAuthToken(ctx, c.Auth, perr.StatusCode, perr)
	if herr != nil || !recovered {
		c.emitError(err)
		return nil, nil, err
	}

	payload, headers, err = c.sendOnce(ctx, body)
	if err != nil {
		c.emitError(err)
	}
	return payload, headers, err
}

func (c *Client) sendOnce(ctx context.Context, body []byte) ([]byte, http.Header, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	req, err := c.buildRequest(ctx, body, token)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, nil, classifyTransportErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, classify(resp.StatusCode, respBody)
	}
	return respBody, resp.Header, nil
}

// decodeBody reads r fully, transparently undoing the provider's
// Content-Encoding (gzip/deflate/br) before the JSON layer sees it. Most
// of this gateway's provider profiles don't request compression, but a
// few (notably the OpenAI-compatible reverse proxies) reply compressed
// regardless of the Accept-Encoding sent.
func decodeBody(encoding string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	case "br":
		return io.ReadAll(brotli.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// OpenStream performs a streaming call and returns the raw HTTP response
// for the caller (sse.Bridge) to forward, per spec §4.12.
func (c *Client) OpenStream(ctx context.Context, body []byte) (*http.Response, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.buildRequest(ctx, body, token)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		perr := classifyTransportErr(err)
		c.emitError(perr)
		return nil, perr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
		_ = resp.Body.Close()
		perr := classify(resp.StatusCode, respBody)
		if perr.Type == ErrorAuth {
			c.invalidateTokenCache()
		}
		c.emitError(perr)
		return nil, perr
	}
	return resp, nil
}

func (c *Client) emitError(err error) {
	log.WithField("provider", c.Provider).WithError(err).Debug("provider call failed")
	c.Sink.Report(c.Provider, err)
}

// HealthCheck issues GET /models (or the provider's equivalent) with the
// current auth and reports whether the provider is reachable (spec §4.6).
func (c *Client) HealthCheck(ctx context.Context) (healthy bool, statusCode int, err error) {
	token, terr := c.currentToken(ctx)
	if terr != nil {
		return false, 0, terr
	}
	url := c.Profile.BaseURL + "/models"
	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if rerr != nil {
		return false, 0, rerr
	}
	req.Header.Set("Authorization", c.authPrefix()+" "+token)
	resp, derr := c.HTTPClient.Do(req)
	if derr != nil {
		return false, 0, classifyTransportErr(derr)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode, nil
}

// IsRetryable reports whether err represents a retryable ProviderError.
func IsRetryable(err error) bool {
	if perr, ok := err.(*ProviderError); ok {
		return perr.Retryable
	}
	return false
}
