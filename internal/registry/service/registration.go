package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sprintconnect/registry/internal/egress"
	"github.com/sprintconnect/registry/internal/mcp"
	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

// serverRepo is the persistence interface for the registration service.
// *repository.ServerRepository satisfies this interface.
type serverRepo interface {
	CreateRegistration(ctx context.Context, server *model.Server, cred *model.Credential, caps []*model.Capability) error
	ActiveExists(ctx context.Context, orgID uuid.UUID, name string, env model.Environment) (bool, error)
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*model.Server, error)
	List(ctx context.Context, orgID uuid.UUID, filter model.ListFilter) ([]*model.Server, error)
	Update(ctx context.Context, server *model.Server) error
	SoftDelete(ctx context.Context, orgID, id uuid.UUID) error
	CredentialByServer(ctx context.Context, serverID uuid.UUID) (*model.Credential, error)
}

// capabilityRepo is the capability persistence interface.
// *repository.CapabilityRepository satisfies this interface.
type capabilityRepo interface {
	AppendDiscovered(ctx context.Context, serverID uuid.UUID, caps []*model.Capability, at time.Time) error
	ListByServer(ctx context.Context, serverID uuid.UUID, limit, offset int) ([]*model.Capability, error)
	CountByServer(ctx context.Context, serverID uuid.UUID) (int, error)
	Search(ctx context.Context, orgID uuid.UUID, query string, limit, offset int) ([]*model.Capability, error)
}

// Prober issues liveness and handshake requests. *mcp.Client satisfies this.
type Prober interface {
	Probe(ctx context.Context, endpoint string, headers http.Header) error
	Handshake(ctx context.Context, endpoint string, headers http.Header) mcp.HandshakeOutcome
}

// SpecSource fetches remote specification documents. *mcp.SpecFetcher
// satisfies this. nil disables spec_url registration.
type SpecSource interface {
	Fetch(ctx context.Context, specURL string) (*model.ServerSpecification, error)
}

// RegistrationService runs the registration pipeline: validate the
// specification, check the URLs against the egress rules, probe the endpoint,
// handshake, then persist the server with its credential reference and
// discovered capabilities in one transaction.
type RegistrationService struct {
	repo      serverRepo
	caps      capabilityRepo
	prober    Prober
	specs     SpecSource
	allowList []string // configured egress allow-list, before the dev extension
	debug     bool     // debug deployments default the environment to development
	logger    *zap.Logger
}

// NewRegistrationService creates a RegistrationService. specs may be nil to
// disable registration by specification URL.
func NewRegistrationService(repo serverRepo, caps capabilityRepo, prober Prober, specs SpecSource, allowList []string, debug bool, logger *zap.Logger) *RegistrationService {
	return &RegistrationService{
		repo:      repo,
		caps:      caps,
		prober:    prober,
		specs:     specs,
		allowList: allowList,
		debug:     debug,
		logger:    logger,
	}
}

// Register validates and registers a server from its specification. All
// checks run before any row is written; a failure at any step leaves the
// database untouched.
func (s *RegistrationService) Register(ctx context.Context, orgID uuid.UUID, ownerUserID *uuid.UUID, req *model.RegisterRequest) (*model.Server, error) {
	env, err := s.resolveEnvironment(req.Environment)
	if err != nil {
		return nil, err
	}

	spec, err := s.resolveSpecification(ctx, req, env)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := model.ValidateMetadataSize(req.Metadata); err != nil {
		return nil, err
	}

	if err := s.checkEgress(req.EndpointURL, env); err != nil {
		return nil, err
	}
	if req.WsURL != "" {
		if err := s.checkEgress(req.WsURL, env); err != nil {
			return nil, err
		}
	}

	if req.AuthConfig != nil {
		if !req.AuthConfig.Type.Valid() {
			return nil, &model.ErrValidation{Msg: "unknown credential type: " + string(req.AuthConfig.Type)}
		}
		if req.AuthConfig.VaultPath != "" {
			if err := model.ValidateVaultPath(req.AuthConfig.VaultPath, orgID); err != nil {
				return nil, err
			}
		}
	}

	name := spec.ServerInfo.Name
	exists, err := s.repo.ActiveExists(ctx, orgID, name, env)
	if err != nil {
		return nil, fmt.Errorf("check duplicate registration: %w", err)
	}
	if exists {
		return nil, &model.ErrConflict{Name: name, Environment: env}
	}

	headers := mcp.BuildAuthHeaders(req.AuthConfig)
	if err := s.prober.Probe(ctx, req.EndpointURL, headers); err != nil {
		s.logger.Warn("endpoint probe failed",
			zap.String("endpoint", req.EndpointURL),
			zap.Error(err),
		)
		return nil, &model.ErrConnectivity{Endpoint: req.EndpointURL, Reason: err.Error()}
	}

	outcome := s.prober.Handshake(ctx, req.EndpointURL, headers)

	server := &model.Server{
		OrgID:        orgID,
		Name:         name,
		Description:  spec.ServerInfo.Description,
		Environment:  env,
		BaseURL:      req.EndpointURL,
		WsURL:        req.WsURL,
		Tags:         req.Tags,
		Metadata:     buildServerMetadata(req.Metadata, spec, outcome),
		OwnerUserID:  ownerUserID,
		Status:       model.StatusActive,
		HealthStatus: model.HealthHealthy,
	}

	caps := buildCapabilityRows(spec, outcome)
	cred := buildCredential(req.AuthConfig)

	if err := s.repo.CreateRegistration(ctx, server, cred, caps); err != nil {
		return nil, err
	}

	s.logger.Info("server registered",
		zap.String("server_id", server.ID.String()),
		zap.String("name", server.Name),
		zap.String("environment", string(server.Environment)),
		zap.Int("capabilities", len(caps)),
		zap.Bool("handshake_degraded", outcome.Degraded),
	)
	return server, nil
}

// DiscoverCapabilities re-runs the handshake against a registered server and
// appends newly discovered capability rows. Earlier rows are never touched;
// the result reports only what this pass found.
func (s *RegistrationService) DiscoverCapabilities(ctx context.Context, orgID, serverID uuid.UUID) (*model.DiscoveryResult, error) {
	server, err := s.repo.GetByID(ctx, orgID, serverID)
	if err != nil {
		return nil, err
	}

	outcome := s.prober.Handshake(ctx, server.BaseURL, mcp.BuildAuthHeaders(nil))

	now := time.Now().UTC()
	result := &model.DiscoveryResult{
		ServerID:     serverID,
		DiscoveredAt: now,
		Capabilities: outcome.Result.Capabilities,
		Resources:    []model.SpecResource{},
		Tools:        []model.SpecTool{},
		Errors:       []string{},
		Warnings:     []string{},
	}
	if outcome.Degraded {
		result.Warnings = append(result.Warnings, "handshake failed, no capabilities discovered: "+outcome.Reason)
	}

	caps := handshakeCapabilityRows(outcome)
	if err := s.caps.AppendDiscovered(ctx, serverID, caps, now); err != nil {
		return nil, fmt.Errorf("store discovered capabilities: %w", err)
	}

	s.logger.Info("capability discovery completed",
		zap.String("server_id", serverID.String()),
		zap.Int("capabilities", len(caps)),
		zap.Bool("handshake_degraded", outcome.Degraded),
	)
	return result, nil
}

// resolveEnvironment validates the requested environment, defaulting per
// deployment mode when the request leaves it empty.
func (s *RegistrationService) resolveEnvironment(env model.Environment) (model.Environment, error) {
	if env == "" {
		if s.debug {
			return model.EnvDevelopment, nil
		}
		return model.EnvProduction, nil
	}
	if !env.Valid() {
		return "", &model.ErrValidation{Msg: "invalid environment: " + string(env)}
	}
	return env, nil
}

// resolveSpecification returns the inline specification or fetches the one
// behind spec_url. Exactly one of the two must be present, and a spec URL
// passes the egress rules before any request leaves the process.
func (s *RegistrationService) resolveSpecification(ctx context.Context, req *model.RegisterRequest, env model.Environment) (*model.ServerSpecification, error) {
	switch {
	case req.Specification != nil && req.SpecURL != "":
		return nil, &model.ErrValidation{Msg: "provide either a specification or a spec_url, not both"}
	case req.Specification != nil:
		return req.Specification, nil
	case req.SpecURL != "":
		if s.specs == nil {
			return nil, &model.ErrValidation{Msg: "registration by spec_url is not enabled"}
		}
		if err := s.checkEgress(req.SpecURL, env); err != nil {
			return nil, err
		}
		spec, err := s.specs.Fetch(ctx, req.SpecURL)
		if err != nil {
			return nil, &model.ErrValidation{Msg: "failed to fetch specification: " + err.Error()}
		}
		return spec, nil
	default:
		return nil, &model.ErrValidation{Msg: "a specification or spec_url is required"}
	}
}

func (s *RegistrationService) checkEgress(rawURL string, env model.Environment) error {
	return checkEgress(s.logger, s.allowList, rawURL, env)
}

// checkEgress runs one URL through the egress validator, logging denials as
// potential SSRF probes.
func checkEgress(logger *zap.Logger, allowList []string, rawURL string, env model.Environment) error {
	decision := egress.Validate(rawURL, env, egress.EffectiveAllowList(env, allowList))
	if !decision.Allowed {
		logger.Warn("egress validation denied URL",
			zap.String("url", rawURL),
			zap.String("environment", string(env)),
			zap.String("reason", decision.Reason),
		)
		return &model.ErrSecurityDenied{URL: rawURL, Reason: decision.Reason}
	}
	return nil
}

// buildServerMetadata folds the specification identity and handshake outcome
// into the caller-supplied metadata, sanitized of credential-shaped values.
func buildServerMetadata(requestMeta map[string]any, spec *model.ServerSpecification, outcome mcp.HandshakeOutcome) map[string]any {
	meta := model.SanitizeMetadata(requestMeta)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["spec_version"] = spec.ServerInfo.Version
	meta["protocol_version"] = outcome.Result.ProtocolVersion
	meta["handshake_server"] = map[string]any{
		"name":    outcome.Result.ServerInfo.Name,
		"version": outcome.Result.ServerInfo.Version,
	}
	if outcome.Degraded {
		meta["handshake_degraded"] = true
	}
	if len(spec.Schemas) > 0 {
		meta["schemas"] = spec.Schemas
	}
	return meta
}

// buildCapabilityRows expands a specification and a handshake outcome into
// capability rows: one per declared tool, one per declared resource (named
// resource_<name>), and one per handshake capability.
func buildCapabilityRows(spec *model.ServerSpecification, outcome mcp.HandshakeOutcome) []*model.Capability {
	var caps []*model.Capability

	for _, tool := range spec.Tools {
		caps = append(caps, &model.Capability{
			Name:        tool.Name,
			Description: tool.Description,
			Version:     spec.ServerInfo.Version,
			Schema:      tool.InputSchema,
			Metadata: map[string]any{
				"discovered_from": model.ProvenanceSpecification,
				"tool_type":       string(tool.ToolType),
			},
		})
	}

	for _, res := range spec.Resources {
		desc := res.Description
		if desc == "" {
			desc = res.Name
		}
		caps = append(caps, &model.Capability{
			Name:        "resource_" + res.Name,
			Description: "Resource: " + desc,
			Version:     spec.ServerInfo.Version,
			Schema: map[string]any{
				"type":          "resource",
				"uri":           res.URI,
				"resource_type": string(res.ResourceType),
			},
			Metadata: map[string]any{
				"discovered_from": model.ProvenanceSpecification,
			},
		})
	}

	return append(caps, handshakeCapabilityRows(outcome)...)
}

// handshakeCapabilityRows converts a handshake capability map into rows.
// Structured descriptors become the row schema, with their description field
// lifted into the row description; bare booleans are wrapped as
// {"enabled": <bool>} so the schema column stays object-shaped.
func handshakeCapabilityRows(outcome mcp.HandshakeOutcome) []*model.Capability {
	var caps []*model.Capability
	for name, value := range outcome.Result.Capabilities {
		var description string
		schema, ok := value.(map[string]any)
		if ok {
			description, _ = schema["description"].(string)
		} else {
			enabled, isBool := value.(bool)
			if !isBool {
				enabled = true
			}
			schema = map[string]any{"enabled": enabled}
		}
		caps = append(caps, &model.Capability{
			Name:        name,
			Description: description,
			Version:     outcome.Result.ProtocolVersion,
			Schema:      schema,
			Metadata: map[string]any{
				"discovered_from": model.ProvenanceHandshake,
			},
		})
	}
	return caps
}

// buildCredential converts the request auth configuration into the
// persistable credential reference. Transient secrets (tokens, API keys) are
// used only for the probe and handshake and never stored; without a vault
// path there is nothing to persist.
func buildCredential(auth *model.AuthConfig) *model.Credential {
	if auth == nil || auth.VaultPath == "" {
		return nil
	}
	cred := &model.Credential{
		Kind:      auth.Type,
		VaultPath: auth.VaultPath,
		Scope:     auth.Scope,
	}
	if auth.HeaderName != "" {
		cred.Metadata = map[string]any{"header_name": auth.HeaderName}
	}
	return cred
}
