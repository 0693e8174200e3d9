package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Environment is the deployment environment a server is registered into.
// The (org, name, environment) triple is unique among non-deleted servers.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// ServerStatus represents the lifecycle state of a registered server.
type ServerStatus string

const (
	StatusPendingDiscovery ServerStatus = "pending_discovery"
	StatusActive           ServerStatus = "active"
	StatusInactive         ServerStatus = "inactive"
	StatusError            ServerStatus = "error"
	StatusMaintenance      ServerStatus = "maintenance"
)

// HealthStatus is the last-known liveness of a server, maintained by the
// background health poller.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnknown   HealthStatus = "unknown"
)

// CredentialKind identifies how the registry authenticates to a server.
type CredentialKind string

const (
	CredentialBearerToken CredentialKind = "bearer_token"
	CredentialOAuth2      CredentialKind = "oauth2"
	CredentialAPIKey      CredentialKind = "api_key"
	CredentialMTLS        CredentialKind = "mtls"
	CredentialBasicAuth   CredentialKind = "basic_auth"
)

// Valid reports whether k is a known credential kind.
func (k CredentialKind) Valid() bool {
	switch k {
	case CredentialBearerToken, CredentialOAuth2, CredentialAPIKey, CredentialMTLS, CredentialBasicAuth:
		return true
	}
	return false
}

// Server is the core domain model: one row per (org, name, environment)
// triple that has passed registration. Rows are never hard-deleted; DeletedAt
// tombstones a row and frees its identity for re-use.
type Server struct {
	ID                uuid.UUID      `json:"id"`
	OrgID             uuid.UUID      `json:"org_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Environment       Environment    `json:"environment"`
	BaseURL           string         `json:"base_url"`
	WsURL             string         `json:"ws_url,omitempty"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata"`
	OwnerUserID       *uuid.UUID     `json:"owner_user_id,omitempty"`
	Status            ServerStatus   `json:"status"`
	HealthStatus      HealthStatus   `json:"health_status"`
	LastHealthCheckAt *time.Time     `json:"last_health_check_at,omitempty"`
	LastDiscoveryAt   *time.Time     `json:"last_discovery_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"`
}

// Credential is the per-server credential record. The secret itself lives in
// the external secret store; VaultPath is only a reference into it.
type Credential struct {
	ID        uuid.UUID      `json:"id"`
	ServerID  uuid.UUID      `json:"server_id"`
	Kind      CredentialKind `json:"kind"`
	VaultPath string         `json:"vault_path"`
	Scope     []string       `json:"scope"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	RotatedAt *time.Time     `json:"rotated_at,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Capability is one discovered tool or resource. Provenance lives in
// Metadata under the "discovered_from" key: "specification" or "handshake".
// Rows are append-only; a later discovery pass adds rows rather than
// reconciling with existing ones.
type Capability struct {
	ID           uuid.UUID      `json:"id"`
	ServerID     uuid.UUID      `json:"server_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Version      string         `json:"version,omitempty"`
	Schema       map[string]any `json:"schema"`
	Metadata     map[string]any `json:"metadata"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Capability provenance values.
const (
	ProvenanceSpecification = "specification"
	ProvenanceHandshake     = "handshake"
)

// AuthConfig is the caller-supplied credential configuration attached to a
// registration request. Token and APIKey are used transiently for the probe
// and handshake; only VaultPath is ever persisted.
type AuthConfig struct {
	Type       CredentialKind `json:"type"`
	Token      string         `json:"token,omitempty"`
	APIKey     string         `json:"api_key,omitempty"`
	VaultPath  string         `json:"vault_path,omitempty"`
	HeaderName string         `json:"header_name,omitempty"`
	Scope      []string       `json:"scope,omitempty"`
}

var vaultPathPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_/]+$`)

// ValidateVaultPath checks that a vault reference path is well-formed and
// lexically scoped under the owning organization's namespace.
func ValidateVaultPath(vaultPath string, orgID uuid.UUID) error {
	if !strings.HasPrefix(vaultPath, "mcp/"+orgID.String()+"/") {
		return &ErrValidation{Msg: "vault path must be scoped under the organization namespace"}
	}
	if !vaultPathPattern.MatchString(vaultPath) {
		return &ErrValidation{Msg: "vault path must contain only alphanumeric characters, hyphens, underscores, and forward slashes"}
	}
	return nil
}

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// ValidateServerName checks the restricted name grammar shared by server
// names and tags.
func ValidateServerName(name string) error {
	if name == "" {
		return &ErrValidation{Msg: "server name is required"}
	}
	if len(name) > 255 {
		return &ErrValidation{Msg: "server name exceeds 255 characters"}
	}
	if !serverNamePattern.MatchString(name) {
		return &ErrValidation{Msg: "server name must contain only alphanumeric characters, hyphens, and underscores"}
	}
	return nil
}
