package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sprintconnect/registry/internal/identity"
	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

// registrationSvc is the registration pipeline interface.
// *service.RegistrationService satisfies this.
type registrationSvc interface {
	Register(ctx context.Context, orgID uuid.UUID, ownerUserID *uuid.UUID, req *model.RegisterRequest) (*model.Server, error)
	DiscoverCapabilities(ctx context.Context, orgID, serverID uuid.UUID) (*model.DiscoveryResult, error)
}

// serverSvc is the CRUD interface. *service.ServerService satisfies this.
type serverSvc interface {
	Create(ctx context.Context, orgID uuid.UUID, ownerUserID *uuid.UUID, req *model.CreateRequest) (*model.Server, error)
	Get(ctx context.Context, orgID, id uuid.UUID) (*model.Server, error)
	List(ctx context.Context, orgID uuid.UUID, filter model.ListFilter) ([]*model.Server, error)
	Update(ctx context.Context, orgID, id uuid.UUID, req *model.UpdateRequest) (*model.Server, error)
	Delete(ctx context.Context, orgID, id uuid.UUID) error
	ListCapabilities(ctx context.Context, orgID, serverID uuid.UUID, limit, offset int) ([]*model.Capability, error)
	SearchCapabilities(ctx context.Context, orgID uuid.UUID, query string, limit, offset int) ([]*model.Capability, error)
	Credential(ctx context.Context, orgID, serverID uuid.UUID) (*model.Credential, error)
}

// ServerHandler handles the MCP server registry routes.
type ServerHandler struct {
	registration registrationSvc
	servers      serverSvc
	verifier     identity.Verifier // nil = open mode
	logger       *zap.Logger
}

// NewServerHandler creates a ServerHandler. verifier may be nil to disable
// authentication for local development.
func NewServerHandler(registration registrationSvc, servers serverSvc, verifier identity.Verifier, logger *zap.Logger) *ServerHandler {
	return &ServerHandler{
		registration: registration,
		servers:      servers,
		verifier:     verifier,
		logger:       logger,
	}
}

// Register mounts all server registry routes on the router group.
func (h *ServerHandler) Register(rg *gin.RouterGroup) {
	servers := rg.Group("/servers", RequireAuth(h.verifier))
	{
		servers.POST("/register", RequirePermission(model.PermServersCreate), h.RegisterServer)
		servers.POST("", RequirePermission(model.PermServersCreate), h.CreateServer)
		servers.GET("", RequirePermission(model.PermServersRead), h.ListServers)
		servers.GET("/:id", RequirePermission(model.PermServersRead), h.GetServer)
		servers.PATCH("/:id", RequirePermission(model.PermServersUpdate), h.UpdateServer)
		servers.DELETE("/:id", RequirePermission(model.PermServersDelete), h.DeleteServer)
		servers.POST("/:id/discover", RequirePermission(model.PermCapabilitiesDiscover), h.DiscoverCapabilities)
		servers.GET("/:id/capabilities", RequirePermission(model.PermServersRead), h.ListCapabilities)
		servers.GET("/:id/credential", RequirePermission(model.PermServersRead), h.GetCredential)
	}
	rg.GET("/capabilities/search", RequireAuth(h.verifier), RequirePermission(model.PermServersRead), h.SearchCapabilities)
}

// orgIDFrom resolves the caller's organization: from the verified principal,
// or from the X-Org-ID header in open mode.
func (h *ServerHandler) orgIDFrom(c *gin.Context) (uuid.UUID, bool) {
	if p := PrincipalFromCtx(c); p != nil {
		return p.OrgID, true
	}
	if raw := c.GetHeader("X-Org-ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid X-Org-ID header"})
			return uuid.Nil, false
		}
		return id, true
	}
	return uuid.Nil, true
}

func ownerFrom(c *gin.Context) *uuid.UUID {
	if p := PrincipalFromCtx(c); p != nil {
		id := p.UserID
		return &id
	}
	return nil
}

// writeError maps the service error taxonomy onto HTTP statuses: caller
// faults (validation, security denial, connectivity) are 400, duplicates are
// 409, missing rows are 404, everything else is a logged 500.
func (h *ServerHandler) writeError(c *gin.Context, err error) {
	var conflict *model.ErrConflict
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
	case model.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid server id"})
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// RegisterServer handles POST /servers/register — the full registration
// pipeline from a specification or spec URL.
func (h *ServerHandler) RegisterServer(c *gin.Context) {
	var req model.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	server, err := h.registration.Register(c.Request.Context(), orgID, ownerFrom(c), &req)
	if err != nil {
		RecordRegistration(registrationResult(err))
		h.writeError(c, err)
		return
	}
	RecordRegistration("success")
	if degraded, _ := server.Metadata["handshake_degraded"].(bool); degraded {
		RecordHandshakeDegraded()
	}
	c.JSON(http.StatusCreated, gin.H{"server": server})
}

// CreateServer handles POST /servers — stores a server without probing it.
func (h *ServerHandler) CreateServer(c *gin.Context) {
	var req model.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	server, err := h.servers.Create(c.Request.Context(), orgID, ownerFrom(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"server": server})
}

// ListServers handles GET /servers with optional environment/status/tag
// filters.
func (h *ServerHandler) ListServers(c *gin.Context) {
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	filter := model.ListFilter{
		Environment: model.Environment(c.Query("environment")),
		Status:      model.ServerStatus(c.Query("status")),
		Tag:         c.Query("tag"),
		Limit:       limit,
		Offset:      offset,
	}

	servers, err := h.servers.List(c.Request.Context(), orgID, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if servers == nil {
		servers = []*model.Server{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers, "count": len(servers)})
}

// GetServer handles GET /servers/:id.
func (h *ServerHandler) GetServer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	server, err := h.servers.Get(c.Request.Context(), orgID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server})
}

// UpdateServer handles PATCH /servers/:id.
func (h *ServerHandler) UpdateServer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req model.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	server, err := h.servers.Update(c.Request.Context(), orgID, id, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server})
}

// DeleteServer handles DELETE /servers/:id — a soft delete.
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	if err := h.servers.Delete(c.Request.Context(), orgID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "server deleted"})
}

// DiscoverCapabilities handles POST /servers/:id/discover — re-runs the
// handshake and appends discovered capability rows.
func (h *ServerHandler) DiscoverCapabilities(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	result, err := h.registration.DiscoverCapabilities(c.Request.Context(), orgID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(result.Warnings) > 0 {
		RecordHandshakeDegraded()
	}
	c.JSON(http.StatusOK, result)
}

// ListCapabilities handles GET /servers/:id/capabilities.
func (h *ServerHandler) ListCapabilities(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	caps, err := h.servers.ListCapabilities(c.Request.Context(), orgID, id, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if caps == nil {
		caps = []*model.Capability{}
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": caps, "count": len(caps)})
}

// SearchCapabilities handles GET /capabilities/search?q=.
func (h *ServerHandler) SearchCapabilities(c *gin.Context) {
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	caps, err := h.servers.SearchCapabilities(c.Request.Context(), orgID, c.Query("q"), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if caps == nil {
		caps = []*model.Capability{}
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": caps, "count": len(caps)})
}

// GetCredential handles GET /servers/:id/credential — returns the vault
// reference, never secret material.
func (h *ServerHandler) GetCredential(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	orgID, ok := h.orgIDFrom(c)
	if !ok {
		return
	}

	cred, err := h.servers.Credential(c.Request.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no credential configured"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": cred})
}

// registrationResult buckets a registration failure for metrics.
func registrationResult(err error) string {
	var (
		denied   *model.ErrSecurityDenied
		conn     *model.ErrConnectivity
		conflict *model.ErrConflict
	)
	switch {
	case errors.As(err, &denied):
		RecordEgressDenial()
		return "egress_denied"
	case errors.As(err, &conn):
		return "unreachable"
	case errors.As(err, &conflict):
		return "conflict"
	case model.IsClientError(err):
		return "invalid"
	default:
		return "error"
	}
}
