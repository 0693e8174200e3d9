package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the registry reports a missing server.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a server name is already taken in the target
// environment.
var ErrConflict = errors.New("server already exists")

// Server is a registered MCP server as returned by the registry API.
type Server struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"org_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Environment       string         `json:"environment"`
	BaseURL           string         `json:"base_url"`
	WsURL             string         `json:"ws_url,omitempty"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata"`
	Status            string         `json:"status"`
	HealthStatus      string         `json:"health_status"`
	LastHealthCheckAt *time.Time     `json:"last_health_check_at,omitempty"`
	LastDiscoveryAt   *time.Time     `json:"last_discovery_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Capability is one discovered tool or resource.
type Capability struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"server_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Version      string         `json:"version,omitempty"`
	Schema       map[string]any `json:"schema"`
	Metadata     map[string]any `json:"metadata"`
	DiscoveredAt time.Time      `json:"discovered_at"`
}

// Credential is the vault reference stored for a server. It never contains
// secret material.
type Credential struct {
	ID        string         `json:"id"`
	ServerID  string         `json:"server_id"`
	Kind      string         `json:"kind"`
	VaultPath string         `json:"vault_path"`
	Scope     []string       `json:"scope"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// DiscoveryResult is the outcome of a discovery pass.
type DiscoveryResult struct {
	ServerID     string         `json:"server_id"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	Capabilities map[string]any `json:"capabilities"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
}

// AuthConfig configures how the registry authenticates to the server being
// registered. Token and APIKey are used only during the registration probe;
// the registry persists the VaultPath reference alone.
type AuthConfig struct {
	Type       string   `json:"type"`
	Token      string   `json:"token,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	VaultPath  string   `json:"vault_path,omitempty"`
	HeaderName string   `json:"header_name,omitempty"`
	Scope      []string `json:"scope,omitempty"`
}

// RegisterServerRequest is the payload for RegisterServer. Exactly one of
// Specification or SpecURL must be set.
type RegisterServerRequest struct {
	Specification map[string]any `json:"specification,omitempty"`
	SpecURL       string         `json:"spec_url,omitempty"`
	EndpointURL   string         `json:"endpoint_url"`
	WsURL         string         `json:"ws_url,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	AuthConfig    *AuthConfig    `json:"auth_config,omitempty"`
}

// CreateServerRequest is the payload for CreateServer, the plain create path
// that stores the server without probing it.
type CreateServerRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Environment string         `json:"environment"`
	BaseURL     string         `json:"base_url"`
	WsURL       string         `json:"ws_url,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AuthConfig  *AuthConfig    `json:"auth_config,omitempty"`
}

// UpdateServerRequest carries the mutable server fields. Zero-valued fields
// are left untouched.
type UpdateServerRequest struct {
	Description *string        `json:"description,omitempty"`
	BaseURL     string         `json:"base_url,omitempty"`
	WsURL       string         `json:"ws_url,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status,omitempty"`
}

// ListServersOptions narrows ListServers. Zero values mean "no filter".
type ListServersOptions struct {
	Environment string
	Status      string
	Tag         string
	Limit       int
	Offset      int
}

// Client is the SprintConnect SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
	orgID       string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches the access token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithOrgID sets the organization sent via the X-Org-ID header. Only needed
// against a registry running without authentication; an authenticated
// registry takes the organization from the token.
func WithOrgID(orgID string) Option {
	return func(c *Client) error {
		c.orgID = orgID
		return nil
	}
}

// WithTimeout sets the per-request timeout (default 30 seconds). Ignored when
// WithHTTPClient is also given.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the registry at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterServer runs the full registration pipeline and returns the active
// server record. Registration can take several seconds: the registry probes
// the endpoint and performs the capability handshake before persisting.
func (c *Client) RegisterServer(ctx context.Context, req RegisterServerRequest) (*Server, error) {
	var wrapper struct {
		Server *Server `json:"server"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/servers/register", req, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Server, nil
}

// CreateServer stores a server in pending_discovery state without probing it.
func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error) {
	var wrapper struct {
		Server *Server `json:"server"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/servers", req, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Server, nil
}

// GetServer fetches a single server by ID.
func (c *Client) GetServer(ctx context.Context, id string) (*Server, error) {
	var wrapper struct {
		Server *Server `json:"server"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/servers/"+url.PathEscape(id), nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Server, nil
}

// ListServers returns the organization's servers, newest first.
func (c *Client) ListServers(ctx context.Context, opts ListServersOptions) ([]Server, error) {
	q := url.Values{}
	if opts.Environment != "" {
		q.Set("environment", opts.Environment)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Tag != "" {
		q.Set("tag", opts.Tag)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/servers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var wrapper struct {
		Servers []Server `json:"servers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Servers, nil
}

// UpdateServer patches the mutable fields of a server.
func (c *Client) UpdateServer(ctx context.Context, id string, req UpdateServerRequest) (*Server, error) {
	var wrapper struct {
		Server *Server `json:"server"`
	}
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v1/servers/"+url.PathEscape(id), req, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Server, nil
}

// DeleteServer soft-deletes a server, freeing its name for re-registration.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/servers/"+url.PathEscape(id), nil, nil)
}

// DiscoverCapabilities re-runs the capability handshake against a server.
func (c *Client) DiscoverCapabilities(ctx context.Context, id string) (*DiscoveryResult, error) {
	var result DiscoveryResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/servers/"+url.PathEscape(id)+"/discover", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListCapabilities returns the capability rows recorded for a server, newest
// discovery pass first.
func (c *Client) ListCapabilities(ctx context.Context, id string) ([]Capability, error) {
	var wrapper struct {
		Capabilities []Capability `json:"capabilities"`
	}
	path := "/api/v1/servers/" + url.PathEscape(id) + "/capabilities"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Capabilities, nil
}

// SearchCapabilities finds capabilities across all of the organization's
// servers by name or description substring.
func (c *Client) SearchCapabilities(ctx context.Context, query string) ([]Capability, error) {
	var wrapper struct {
		Capabilities []Capability `json:"capabilities"`
	}
	path := "/api/v1/capabilities/search?q=" + url.QueryEscape(query)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Capabilities, nil
}

// GetCredential returns the vault reference stored for a server.
func (c *Client) GetCredential(ctx context.Context, id string) (*Credential, error) {
	var wrapper struct {
		Credential *Credential `json:"credential"`
	}
	path := "/api/v1/servers/" + url.PathEscape(id) + "/credential"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Credential, nil
}

// doJSON executes a request with JSON encoding on both sides, mapping the
// registry's error statuses onto the package sentinels.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.orgID != "" {
		req.Header.Set("X-Org-ID", c.orgID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiError(body))
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, apiError(body))
	case resp.StatusCode >= 300:
		return fmt.Errorf("registry error %d: %s", resp.StatusCode, apiError(body))
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// apiError extracts the registry's error message from a response body,
// falling back to the raw body.
func apiError(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(body)
}
