package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sprintconnect/registry/internal/identity"
	"github.com/sprintconnect/registry/internal/registry/model"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubServices returns canned results per call, standing in for both the
// registration and CRUD services.
type stubServices struct {
	server *model.Server
	result *model.DiscoveryResult
	caps   []*model.Capability
	cred   *model.Credential
	err    error

	gotOrgID uuid.UUID
}

func (s *stubServices) Register(_ context.Context, orgID uuid.UUID, _ *uuid.UUID, _ *model.RegisterRequest) (*model.Server, error) {
	s.gotOrgID = orgID
	return s.server, s.err
}

func (s *stubServices) DiscoverCapabilities(_ context.Context, orgID, _ uuid.UUID) (*model.DiscoveryResult, error) {
	s.gotOrgID = orgID
	return s.result, s.err
}

func (s *stubServices) Create(_ context.Context, orgID uuid.UUID, _ *uuid.UUID, _ *model.CreateRequest) (*model.Server, error) {
	s.gotOrgID = orgID
	return s.server, s.err
}

func (s *stubServices) Get(_ context.Context, orgID, _ uuid.UUID) (*model.Server, error) {
	s.gotOrgID = orgID
	return s.server, s.err
}

func (s *stubServices) List(_ context.Context, orgID uuid.UUID, _ model.ListFilter) ([]*model.Server, error) {
	s.gotOrgID = orgID
	if s.err != nil {
		return nil, s.err
	}
	return []*model.Server{s.server}, nil
}

func (s *stubServices) Update(_ context.Context, orgID, _ uuid.UUID, _ *model.UpdateRequest) (*model.Server, error) {
	s.gotOrgID = orgID
	return s.server, s.err
}

func (s *stubServices) Delete(_ context.Context, orgID, _ uuid.UUID) error {
	s.gotOrgID = orgID
	return s.err
}

func (s *stubServices) ListCapabilities(_ context.Context, orgID, _ uuid.UUID, _, _ int) ([]*model.Capability, error) {
	s.gotOrgID = orgID
	return s.caps, s.err
}

func (s *stubServices) SearchCapabilities(_ context.Context, orgID uuid.UUID, _ string, _, _ int) ([]*model.Capability, error) {
	s.gotOrgID = orgID
	return s.caps, s.err
}

func (s *stubServices) Credential(_ context.Context, orgID, _ uuid.UUID) (*model.Credential, error) {
	s.gotOrgID = orgID
	return s.cred, s.err
}

func newTestRouter(stub *stubServices, verifier identity.Verifier) *gin.Engine {
	engine := gin.New()
	h := NewServerHandler(stub, stub, verifier, zap.NewNop())
	h.Register(engine.Group("/api/v1"))
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func registerBody() *model.RegisterRequest {
	return &model.RegisterRequest{
		Specification: &model.ServerSpecification{
			ServerInfo: model.SpecServerInfo{Name: "s1", Version: "1.0.0"},
		},
		EndpointURL: "https://example.com",
	}
}

func TestRegisterServer_statusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &model.ErrValidation{Msg: "bad spec"}, http.StatusBadRequest},
		{"security", &model.ErrSecurityDenied{URL: "u", Reason: "private IP address not allowed"}, http.StatusBadRequest},
		{"connectivity", &model.ErrConnectivity{Endpoint: "u", Reason: "timeout"}, http.StatusBadRequest},
		{"conflict", &model.ErrConflict{Name: "s1", Environment: model.EnvProduction}, http.StatusConflict},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestRouter(&stubServices{err: tc.err}, nil)
			w := doJSON(t, engine, http.MethodPost, "/api/v1/servers/register", registerBody(), nil)
			if w.Code != tc.want {
				t.Errorf("status: got %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestRegisterServer_success(t *testing.T) {
	stub := &stubServices{server: &model.Server{ID: uuid.New(), Name: "s1"}}
	engine := newTestRouter(stub, nil)

	orgID := uuid.New()
	w := doJSON(t, engine, http.MethodPost, "/api/v1/servers/register", registerBody(),
		map[string]string{"X-Org-ID": orgID.String()})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d (body %s)", w.Code, w.Body.String())
	}
	if stub.gotOrgID != orgID {
		t.Errorf("org id not propagated: got %s", stub.gotOrgID)
	}

	var resp struct {
		Server model.Server `json:"server"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Server.Name != "s1" {
		t.Errorf("server name: got %q", resp.Server.Name)
	}
}

func TestRegisterServer_countsDegradedHandshake(t *testing.T) {
	stub := &stubServices{server: &model.Server{
		ID:       uuid.New(),
		Name:     "s1",
		Metadata: map[string]any{"handshake_degraded": true},
	}}
	engine := newTestRouter(stub, nil)

	before := testutil.ToFloat64(mcpHandshakeDegradedTotal)
	w := doJSON(t, engine, http.MethodPost, "/api/v1/servers/register", registerBody(), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d (body %s)", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(mcpHandshakeDegradedTotal); got != before+1 {
		t.Errorf("degraded counter: got %v, want %v", got, before+1)
	}

	// A clean registration leaves the counter alone.
	stub.server.Metadata = nil
	before = testutil.ToFloat64(mcpHandshakeDegradedTotal)
	w = doJSON(t, engine, http.MethodPost, "/api/v1/servers/register", registerBody(), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := testutil.ToFloat64(mcpHandshakeDegradedTotal); got != before {
		t.Errorf("degraded counter moved on a clean registration: got %v, want %v", got, before)
	}
}

func TestRegisterServer_conflictMessage(t *testing.T) {
	stub := &stubServices{err: &model.ErrConflict{Name: "dup", Environment: model.EnvStaging}}
	engine := newTestRouter(stub, nil)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/servers/register", registerBody(), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "server with name 'dup' already exists in staging environment" {
		t.Errorf("error message: got %q", resp["error"])
	}
}

func TestGetServer_notFound(t *testing.T) {
	engine := newTestRouter(&stubServices{err: model.ErrNotFound}, nil)
	w := doJSON(t, engine, http.MethodGet, "/api/v1/servers/"+uuid.NewString(), nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestGetServer_badID(t *testing.T) {
	engine := newTestRouter(&stubServices{}, nil)
	w := doJSON(t, engine, http.MethodGet, "/api/v1/servers/not-a-uuid", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestAuth_requiredWhenConfigured(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := identity.NewTokenIssuer(key, "https://registry.test", time.Hour)
	stub := &stubServices{server: &model.Server{ID: uuid.New()}}
	engine := newTestRouter(stub, issuer)

	w := doJSON(t, engine, http.MethodGet, "/api/v1/servers", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodGet, "/api/v1/servers", nil,
		map[string]string{"Authorization": "Bearer garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token: got %d", w.Code)
	}

	orgID := uuid.New()
	tok, err := issuer.Issue(uuid.New(), orgID, []model.Role{model.RoleViewer})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	w = doJSON(t, engine, http.MethodGet, "/api/v1/servers", nil,
		map[string]string{"Authorization": "Bearer " + tok})
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: got %d (body %s)", w.Code, w.Body.String())
	}
	if stub.gotOrgID != orgID {
		t.Errorf("org scope must come from the token, got %s", stub.gotOrgID)
	}
}

func TestAuth_permissionEnforcement(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := identity.NewTokenIssuer(key, "https://registry.test", time.Hour)
	engine := newTestRouter(&stubServices{server: &model.Server{}}, issuer)

	viewerTok, _ := issuer.Issue(uuid.New(), uuid.New(), []model.Role{model.RoleViewer})
	w := doJSON(t, engine, http.MethodPost, "/api/v1/servers/register", registerBody(),
		map[string]string{"Authorization": "Bearer " + viewerTok})
	if w.Code != http.StatusForbidden {
		t.Errorf("viewer registering: got %d", w.Code)
	}

	engineerTok, _ := issuer.Issue(uuid.New(), uuid.New(), []model.Role{model.RoleEngineer})
	w = doJSON(t, engine, http.MethodDelete, "/api/v1/servers/"+uuid.NewString(), nil,
		map[string]string{"Authorization": "Bearer " + engineerTok})
	if w.Code != http.StatusForbidden {
		t.Errorf("engineer deleting: got %d", w.Code)
	}

	adminTok, _ := issuer.Issue(uuid.New(), uuid.New(), []model.Role{model.RoleAdmin})
	w = doJSON(t, engine, http.MethodDelete, "/api/v1/servers/"+uuid.NewString(), nil,
		map[string]string{"Authorization": "Bearer " + adminTok})
	if w.Code != http.StatusOK {
		t.Errorf("admin deleting: got %d (body %s)", w.Code, w.Body.String())
	}
}

func TestDiscover_returnsResult(t *testing.T) {
	serverID := uuid.New()
	stub := &stubServices{result: &model.DiscoveryResult{
		ServerID:     serverID,
		DiscoveredAt: time.Now().UTC(),
		Capabilities: map[string]any{"search": true},
		Resources:    []model.SpecResource{},
		Tools:        []model.SpecTool{},
		Errors:       []string{},
		Warnings:     []string{},
	}}
	engine := newTestRouter(stub, nil)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/servers/"+serverID.String()+"/discover", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var result model.DiscoveryResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ServerID != serverID {
		t.Errorf("server id: got %s", result.ServerID)
	}
	if result.Resources == nil || result.Tools == nil {
		t.Error("resource and tool lists must serialize as empty arrays")
	}
}

func TestListCapabilities_emptyIsArray(t *testing.T) {
	engine := newTestRouter(&stubServices{}, nil)
	w := doJSON(t, engine, http.MethodGet, "/api/v1/servers/"+uuid.NewString()+"/capabilities", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp struct {
		Capabilities []*model.Capability `json:"capabilities"`
		Count        int                 `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Capabilities == nil || resp.Count != 0 {
		t.Errorf("empty list must serialize as [], got %s", w.Body.String())
	}
}

func TestRateLimiter_throttles(t *testing.T) {
	engine := gin.New()
	engine.Use(RateLimiter(1, 2))
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	var limited bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst beyond the bucket must be throttled")
	}
}
