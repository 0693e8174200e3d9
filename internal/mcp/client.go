// Package mcp implements the discovery-protocol client side: the liveness
// prober, the versioned handshake, and fetching of remote specification
// documents. All requests carry bounded timeouts; each operation tries a
// primary convention and one fallback, never more.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

// ProtocolVersion is the handshake protocol version this client speaks.
const ProtocolVersion = "1.0"

// Client identity advertised in the handshake request.
const (
	clientName    = "SprintConnect"
	clientVersion = "1.0.0"
)

const (
	healthPath            = "/health"
	handshakePrimaryPath  = "/mcp/handshake"
	handshakeFallbackPath = "/handshake"

	maxResponseBytes = 1 << 20
)

// ClientInfo identifies the caller in a handshake request.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HandshakeRequest is the wire payload POSTed to the handshake endpoint.
type HandshakeRequest struct {
	ProtocolVersion string     `json:"protocol_version"`
	ClientInfo      ClientInfo `json:"client_info"`
}

// ServerInfo is the server identity block of a handshake response.
type ServerInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// HandshakeResult is a decoded handshake response. Capability map values are
// either structured descriptors or bare booleans.
type HandshakeResult struct {
	ProtocolVersion string         `json:"protocol_version"`
	ServerInfo      ServerInfo     `json:"server_info"`
	Capabilities    map[string]any `json:"capabilities"`
}

// HandshakeOutcome distinguishes a completed handshake from a degraded one,
// where both endpoints failed and a synthetic minimal result was substituted.
// Degraded outcomes still carry a usable Result so registration can proceed
// with zero discovered capabilities.
type HandshakeOutcome struct {
	Result   HandshakeResult
	Degraded bool
	Reason   string
}

// syntheticResult is substituted when both handshake attempts fail.
func syntheticResult() HandshakeResult {
	return HandshakeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: "unknown", Version: "1.0.0"},
		Capabilities:    map[string]any{},
	}
}

// Client issues probe and handshake requests against candidate endpoints.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client with the given per-attempt timeout (default 30s).
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Probe issues a liveness GET against the well-known health path, falling
// back to the endpoint root. Both failing is fatal for registration: an
// unreachable endpoint must not be cataloged.
func (c *Client) Probe(ctx context.Context, endpoint string, headers http.Header) error {
	primaryErr := c.get(ctx, joinPath(endpoint, healthPath), headers)
	if primaryErr == nil {
		return nil
	}
	if fallbackErr := c.get(ctx, joinPath(endpoint, "/"), headers); fallbackErr != nil {
		return fmt.Errorf("health endpoint: %v; root endpoint: %v", primaryErr, fallbackErr)
	}
	return nil
}

// Handshake executes the discovery handshake against the primary path, then
// the fallback path. It never returns an error: when both attempts fail it
// logs a warning and substitutes the synthetic minimal result, so that
// endpoints that do not implement the handshake remain registrable.
func (c *Client) Handshake(ctx context.Context, endpoint string, headers http.Header) HandshakeOutcome {
	req := HandshakeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}

	result, primaryErr := c.post(ctx, joinPath(endpoint, handshakePrimaryPath), headers, req)
	if primaryErr == nil {
		return HandshakeOutcome{Result: result}
	}

	result, fallbackErr := c.post(ctx, joinPath(endpoint, handshakeFallbackPath), headers, req)
	if fallbackErr == nil {
		return HandshakeOutcome{Result: result}
	}

	reason := fmt.Sprintf("primary: %v; fallback: %v", primaryErr, fallbackErr)
	c.logger.Warn("handshake failed, using minimal response",
		zap.String("endpoint", endpoint),
		zap.String("reason", reason),
	)
	return HandshakeOutcome{Result: syntheticResult(), Degraded: true, Reason: reason}
}

func (c *Client) get(ctx context.Context, url string, headers http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	applyHeaders(req, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, headers http.Header, payload any) (HandshakeResult, error) {
	var result HandshakeResult

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("encode handshake request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return result, err
	}
	applyHeaders(req, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("POST %s returned status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return result, fmt.Errorf("read handshake response: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode handshake response: %w", err)
	}
	return result, nil
}

// BuildAuthHeaders derives request headers from the credential
// configuration. Bearer tokens become an Authorization header; API keys use
// a configurable header name. Other credential kinds (mTLS, basic auth)
// are not translated at this layer.
func BuildAuthHeaders(auth *model.AuthConfig) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	if auth == nil {
		return headers
	}
	switch auth.Type {
	case model.CredentialBearerToken:
		if auth.Token != "" {
			headers.Set("Authorization", "Bearer "+auth.Token)
		}
	case model.CredentialAPIKey:
		if auth.APIKey != "" {
			name := auth.HeaderName
			if name == "" {
				name = "X-API-Key"
			}
			headers.Set(name, auth.APIKey)
		}
	}
	return headers
}

func applyHeaders(req *http.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func joinPath(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
