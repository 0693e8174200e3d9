package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

// ServerService contains the plain CRUD logic around registered servers.
// Registration and discovery live in RegistrationService; this service covers
// retrieval, listing, mutation, and soft deletion.
type ServerService struct {
	repo      serverRepo
	caps      capabilityRepo
	allowList []string
	debug     bool
	logger    *zap.Logger
}

// NewServerService creates a ServerService.
func NewServerService(repo serverRepo, caps capabilityRepo, allowList []string, debug bool, logger *zap.Logger) *ServerService {
	return &ServerService{
		repo:      repo,
		caps:      caps,
		allowList: allowList,
		debug:     debug,
		logger:    logger,
	}
}

// Create stores a server without probing it. The row starts in
// pending_discovery state with unknown health until a discovery pass or the
// health poller reaches it.
func (s *ServerService) Create(ctx context.Context, orgID uuid.UUID, ownerUserID *uuid.UUID, req *model.CreateRequest) (*model.Server, error) {
	if err := model.ValidateServerName(req.Name); err != nil {
		return nil, err
	}
	if !req.Environment.Valid() {
		return nil, &model.ErrValidation{Msg: "invalid environment: " + string(req.Environment)}
	}
	if err := model.ValidateMetadataSize(req.Metadata); err != nil {
		return nil, err
	}
	if err := s.checkEgress(req.BaseURL, req.Environment); err != nil {
		return nil, err
	}
	if req.WsURL != "" {
		if err := s.checkEgress(req.WsURL, req.Environment); err != nil {
			return nil, err
		}
	}
	if req.AuthConfig != nil && req.AuthConfig.VaultPath != "" {
		if err := model.ValidateVaultPath(req.AuthConfig.VaultPath, orgID); err != nil {
			return nil, err
		}
	}

	exists, err := s.repo.ActiveExists(ctx, orgID, req.Name, req.Environment)
	if err != nil {
		return nil, fmt.Errorf("check duplicate server: %w", err)
	}
	if exists {
		return nil, &model.ErrConflict{Name: req.Name, Environment: req.Environment}
	}

	server := &model.Server{
		OrgID:        orgID,
		Name:         req.Name,
		Description:  req.Description,
		Environment:  req.Environment,
		BaseURL:      req.BaseURL,
		WsURL:        req.WsURL,
		Tags:         req.Tags,
		Metadata:     model.SanitizeMetadata(req.Metadata),
		OwnerUserID:  ownerUserID,
		Status:       model.StatusPendingDiscovery,
		HealthStatus: model.HealthUnknown,
	}

	if err := s.repo.CreateRegistration(ctx, server, buildCredential(req.AuthConfig), nil); err != nil {
		return nil, err
	}

	s.logger.Info("server created",
		zap.String("server_id", server.ID.String()),
		zap.String("name", server.Name),
		zap.String("environment", string(server.Environment)),
	)
	return server, nil
}

// Get retrieves a server scoped to its organization.
func (s *ServerService) Get(ctx context.Context, orgID, id uuid.UUID) (*model.Server, error) {
	return s.repo.GetByID(ctx, orgID, id)
}

// List returns the organization's servers matching the filter.
func (s *ServerService) List(ctx context.Context, orgID uuid.UUID, filter model.ListFilter) ([]*model.Server, error) {
	if filter.Environment != "" && !filter.Environment.Valid() {
		return nil, &model.ErrValidation{Msg: "invalid environment: " + string(filter.Environment)}
	}
	return s.repo.List(ctx, orgID, filter)
}

// Update mutates a server's fields. Changed URLs pass the egress rules again
// before anything is written.
func (s *ServerService) Update(ctx context.Context, orgID, id uuid.UUID, req *model.UpdateRequest) (*model.Server, error) {
	server, err := s.repo.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	if req.BaseURL != "" && req.BaseURL != server.BaseURL {
		if err := s.checkEgress(req.BaseURL, server.Environment); err != nil {
			return nil, err
		}
		server.BaseURL = req.BaseURL
	}
	if req.WsURL != "" && req.WsURL != server.WsURL {
		if err := s.checkEgress(req.WsURL, server.Environment); err != nil {
			return nil, err
		}
		server.WsURL = req.WsURL
	}
	if req.Description != nil {
		server.Description = *req.Description
	}
	if req.Tags != nil {
		server.Tags = req.Tags
	}
	if req.Metadata != nil {
		if err := model.ValidateMetadataSize(req.Metadata); err != nil {
			return nil, err
		}
		server.Metadata = model.SanitizeMetadata(req.Metadata)
	}
	if req.Status != "" {
		server.Status = req.Status
	}

	if err := s.repo.Update(ctx, server); err != nil {
		return nil, fmt.Errorf("update server: %w", err)
	}

	s.logger.Info("server updated", zap.String("server_id", id.String()))
	return server, nil
}

// Delete tombstones a server, freeing its (name, environment) identity for
// re-registration. Capability rows remain attached to the tombstoned row.
func (s *ServerService) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	if err := s.repo.SoftDelete(ctx, orgID, id); err != nil {
		return err
	}
	s.logger.Info("server deleted", zap.String("server_id", id.String()))
	return nil
}

// ListCapabilities returns the capability rows discovered for a server.
func (s *ServerService) ListCapabilities(ctx context.Context, orgID, serverID uuid.UUID, limit, offset int) ([]*model.Capability, error) {
	if _, err := s.repo.GetByID(ctx, orgID, serverID); err != nil {
		return nil, err
	}
	return s.caps.ListByServer(ctx, serverID, limit, offset)
}

// SearchCapabilities finds capabilities across all of the organization's
// servers by name or description substring.
func (s *ServerService) SearchCapabilities(ctx context.Context, orgID uuid.UUID, query string, limit, offset int) ([]*model.Capability, error) {
	if query == "" {
		return nil, &model.ErrValidation{Msg: "search query is required"}
	}
	return s.caps.Search(ctx, orgID, query, limit, offset)
}

// Credential returns the stored credential reference for a server.
func (s *ServerService) Credential(ctx context.Context, orgID, serverID uuid.UUID) (*model.Credential, error) {
	if _, err := s.repo.GetByID(ctx, orgID, serverID); err != nil {
		return nil, err
	}
	return s.repo.CredentialByServer(ctx, serverID)
}

func (s *ServerService) checkEgress(rawURL string, env model.Environment) error {
	return checkEgress(s.logger, s.allowList, rawURL, env)
}
