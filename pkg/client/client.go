// Package client is the Go SDK for the xychain HTTP API. It wraps the
// chain lifecycle (create, append, verify, export) behind typed calls
// and handles bearer-token auth against protected deployments.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pruvlabs/xychain/pkg/xychain"
)

// ErrNotFound is returned when the server has no chain or entry under
// the requested id.
var ErrNotFound = errors.New("client: not found")

// ChainOverview is the summary the server returns for a chain.
type ChainOverview struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Length int    `json:"length"`
	Head   string `json:"head"`
	Root   string `json:"root"`
}

// VerifyResult reports the outcome of a verification call. BreakIndex
// is -1 when the chain is intact; Breaks is populated only by
// VerifyAll.
type VerifyResult struct {
	Valid      bool  `json:"valid"`
	BreakIndex int   `json:"break_index"`
	Breaks     []int `json:"breaks,omitempty"`
}

// Client talks to one xychain server.
type Client struct {
	base       string
	httpClient *http.Client

	// token state, guarded by mu
	mu          sync.Mutex
	adminSecret string
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually, no auto-refresh
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a pre-obtained token to every request. The
// token is treated as long-lived and never auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
	}
}

// WithAdminSecret stores the shared secret used to obtain (and
// transparently refresh) bearer tokens from POST /auth/token.
func WithAdminSecret(secret string) Option {
	return func(c *Client) { c.adminSecret = secret }
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateChain creates a new chain. signed requests server-side entry
// signing, which fails if the server holds no key.
func (c *Client) CreateChain(ctx context.Context, name string, signed bool) (*ChainOverview, error) {
	var out ChainOverview
	err := c.call(ctx, http.MethodPost, "/api/v1/chains",
		map[string]any{"name": name, "signed": signed}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListChains returns summaries for every live chain.
func (c *Client) ListChains(ctx context.Context) ([]ChainOverview, error) {
	var wrapper struct {
		Chains []ChainOverview `json:"chains"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/chains", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Chains, nil
}

// GetChain fetches one chain's summary.
func (c *Client) GetChain(ctx context.Context, id string) (*ChainOverview, error) {
	var out ChainOverview
	if err := c.call(ctx, http.MethodGet, "/api/v1/chains/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteChain removes a chain and its stored document.
func (c *Client) DeleteChain(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/chains/"+id, nil, nil)
}

// Append records a transition on the chain and returns the sealed
// entry. xState and yState must JSON-encode to objects.
func (c *Client) Append(ctx context.Context, id, action string, xState, yState map[string]any) (*xychain.Entry, error) {
	var out xychain.Entry
	err := c.call(ctx, http.MethodPost, "/api/v1/chains/"+id+"/entries",
		map[string]any{"action": action, "x_state": xState, "y_state": yState}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntry fetches a single entry by index.
func (c *Client) GetEntry(ctx context.Context, id string, idx int) (*xychain.Entry, error) {
	var out xychain.Entry
	err := c.call(ctx, http.MethodGet,
		"/api/v1/chains/"+id+"/entries/"+strconv.Itoa(idx), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify runs the server-side integrity check, reporting the first
// break if any.
func (c *Client) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	return c.verify(ctx, id, false)
}

// VerifyAll runs the full audit, reporting every breaking index.
func (c *Client) VerifyAll(ctx context.Context, id string) (*VerifyResult, error) {
	return c.verify(ctx, id, true)
}

func (c *Client) verify(ctx context.Context, id string, all bool) (*VerifyResult, error) {
	path := "/api/v1/chains/" + id + "/verify"
	if all {
		path += "?all=true"
	}
	out := VerifyResult{BreakIndex: -1}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export downloads the chain's interchange document and reconstructs
// it locally, so the caller can re-verify without trusting the server.
func (c *Client) Export(ctx context.Context, id string) (*xychain.Chain, error) {
	body, err := c.callRaw(ctx, http.MethodGet, "/api/v1/chains/"+id+"/export", nil)
	if err != nil {
		return nil, err
	}
	chain, err := xychain.Load(body)
	if err != nil {
		return nil, fmt.Errorf("load exported chain: %w", err)
	}
	return chain, nil
}

// Receipt fetches a completion receipt for the chain.
func (c *Client) Receipt(ctx context.Context, id, task string) (*xychain.Receipt, error) {
	path := "/api/v1/chains/" + id + "/receipt"
	if task != "" {
		path += "?task=" + task
	}
	var out xychain.Receipt
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchToken exchanges the configured admin secret for a bearer token
// and caches it for subsequent calls.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

func (c *Client) fetchTokenRaw(ctx context.Context) (string, time.Time, error) {
	payload, _ := json.Marshal(map[string]string{"secret": c.adminSecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Use httpClient directly: the token endpoint authenticates via
	// the secret, not an existing token.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, string(body))
	}

	var payloadOut struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payloadOut); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60s before actual expiry to absorb clock skew.
	const refreshBuffer = 60 * time.Second
	exp := time.Now().Add(time.Duration(payloadOut.ExpiresIn)*time.Second - refreshBuffer)
	return payloadOut.Token, exp, nil
}

// ensureToken returns a usable bearer token, fetching a fresh one when
// the cached token is absent or near expiry. Returns "" when the
// client has no auth configured at all.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}
	if c.adminSecret == "" {
		return "", nil
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	body, err := c.callRaw(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) callRaw(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
