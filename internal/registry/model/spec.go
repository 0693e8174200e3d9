package model

import (
	"encoding/json"
	"regexp"
	"strings"
)

// SchemasSizeLimit caps the serialized auxiliary schema map of a
// specification at 64 KiB.
const SchemasSizeLimit = 64 * 1024

// MetadataSizeLimit caps free-form metadata maps at 32 KiB serialized.
const MetadataSizeLimit = 32 * 1024

// ResourceKind classifies a declared resource.
type ResourceKind string

const (
	ResourceFile      ResourceKind = "file"
	ResourceDirectory ResourceKind = "directory"
)

// ToolKind classifies a declared tool.
type ToolKind string

const (
	ToolFunction  ToolKind = "function"
	ToolProcedure ToolKind = "procedure"
)

// ResourceMetadata is optional descriptive metadata for a declared resource.
type ResourceMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Created     string `json:"created,omitempty"`
	Modified    string `json:"modified,omitempty"`
}

// SpecResource is a resource declared in a server specification.
type SpecResource struct {
	URI          string            `json:"uri"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	ResourceType ResourceKind      `json:"resource_type"`
	Metadata     *ResourceMetadata `json:"metadata,omitempty"`
}

// SpecTool is a tool declared in a server specification. InputSchema is a
// JSON-shaped schema document of arbitrary depth.
type SpecTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
	ToolType    ToolKind       `json:"tool_type,omitempty"`
}

// SpecServerInfo is the identity block of a server specification.
type SpecServerInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// ServerSpecification is the caller-declared description of a server. It is
// transient: validated, then partially folded into Server.Metadata and
// partially expanded into Capability rows.
type ServerSpecification struct {
	ServerInfo SpecServerInfo `json:"server_info"`
	Resources  []SpecResource `json:"resources,omitempty"`
	Tools      []SpecTool     `json:"tools,omitempty"`
	Schemas    map[string]any `json:"schemas,omitempty"`
}

var (
	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
	versionPattern  = regexp.MustCompile(`^\d+(\.\d+)+$`)
)

// allowed resource URI scheme prefixes
var resourceURIPrefixes = []string{"file://", "http://", "https://", "ws://", "wss://"}

// Validate checks the specification against the registration rules. It runs
// before any network access; a non-nil error means nothing may be contacted
// or written.
func (s *ServerSpecification) Validate() error {
	if strings.TrimSpace(s.ServerInfo.Name) == "" || strings.TrimSpace(s.ServerInfo.Version) == "" {
		return &ErrValidation{Msg: "server name and version are required"}
	}
	if !serverNamePattern.MatchString(s.ServerInfo.Name) {
		return &ErrValidation{Msg: "server name must contain only alphanumeric characters, hyphens, and underscores"}
	}
	if !versionPattern.MatchString(s.ServerInfo.Version) {
		return &ErrValidation{Msg: "version must follow semantic versioning (e.g. 1.0.0)"}
	}

	toolNames := make(map[string]struct{}, len(s.Tools))
	for _, tool := range s.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return &ErrValidation{Msg: "tool name cannot be empty"}
		}
		if !toolNamePattern.MatchString(tool.Name) {
			return &ErrValidation{Msg: "tool name must contain only alphanumeric characters, hyphens, and underscores"}
		}
		if _, dup := toolNames[tool.Name]; dup {
			return &ErrValidation{Msg: "tool names must be unique"}
		}
		toolNames[tool.Name] = struct{}{}
	}

	resourceURIs := make(map[string]struct{}, len(s.Resources))
	for _, res := range s.Resources {
		if strings.TrimSpace(res.Name) == "" {
			return &ErrValidation{Msg: "resource name cannot be empty"}
		}
		if !hasAllowedURIPrefix(res.URI) {
			return &ErrValidation{Msg: "resource URI must start with file://, http://, https://, ws://, or wss://"}
		}
		if _, dup := resourceURIs[res.URI]; dup {
			return &ErrValidation{Msg: "resource URIs must be unique"}
		}
		resourceURIs[res.URI] = struct{}{}
	}

	if len(s.Schemas) > 0 {
		raw, err := json.Marshal(s.Schemas)
		if err != nil {
			return &ErrValidation{Msg: "schemas are not serializable: " + err.Error()}
		}
		if len(raw) > SchemasSizeLimit {
			return &ErrValidation{Msg: "schemas size exceeds 64KB limit"}
		}
	}

	return nil
}

func hasAllowedURIPrefix(uri string) bool {
	for _, p := range resourceURIPrefixes {
		if strings.HasPrefix(uri, p) {
			return true
		}
	}
	return false
}

// ValidateMetadataSize enforces the serialized size cap on free-form
// metadata maps.
func ValidateMetadataSize(metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return &ErrValidation{Msg: "metadata is not serializable: " + err.Error()}
	}
	if len(raw) > MetadataSizeLimit {
		return &ErrValidation{Msg: "metadata size exceeds 32KB limit"}
	}
	return nil
}
