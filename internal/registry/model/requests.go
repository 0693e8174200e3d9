package model

import (
	"time"

	"github.com/google/uuid"
)

// RegisterRequest is the payload for specification-driven registration.
// Exactly one of Specification or SpecURL must be supplied; when SpecURL is
// set the document is fetched (behind the egress validator) before the
// pipeline runs.
type RegisterRequest struct {
	Specification *ServerSpecification `json:"specification,omitempty"`
	SpecURL       string               `json:"spec_url,omitempty"`
	EndpointURL   string               `json:"endpoint_url" binding:"required"`
	WsURL         string               `json:"ws_url,omitempty"`
	Environment   Environment          `json:"environment,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	AuthConfig    *AuthConfig          `json:"auth_config,omitempty"`
}

// CreateRequest is the payload for the plain CRUD create path: the server is
// stored in pending_discovery state without probing or handshaking.
type CreateRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description,omitempty"`
	Environment Environment    `json:"environment" binding:"required"`
	BaseURL     string         `json:"base_url" binding:"required"`
	WsURL       string         `json:"ws_url,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AuthConfig  *AuthConfig    `json:"auth_config,omitempty"`
}

// UpdateRequest is the payload for mutating an existing server. Zero-valued
// fields are left untouched; URLs are re-validated against the egress rules
// when changed.
type UpdateRequest struct {
	Description *string        `json:"description,omitempty"`
	BaseURL     string         `json:"base_url,omitempty"`
	WsURL       string         `json:"ws_url,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      ServerStatus   `json:"status,omitempty"`
}

// ListFilter narrows server listings. Zero values mean "no filter".
type ListFilter struct {
	Environment Environment
	Status      ServerStatus
	Tag         string
	Limit       int
	Offset      int
}

// DiscoveryResult is the structured outcome of a discovery pass. Resources
// and Tools stay empty here; the CRUD layer reconstructs the richer typed
// lists from the stored capability rows.
type DiscoveryResult struct {
	ServerID     uuid.UUID      `json:"server_id"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	Capabilities map[string]any `json:"capabilities"`
	Resources    []SpecResource `json:"resources"`
	Tools        []SpecTool     `json:"tools"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
}
