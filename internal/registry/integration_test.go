//go:build integration

package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sprintconnect/registry/internal/mcp"
	"github.com/sprintconnect/registry/internal/registry/handler"
	"github.com/sprintconnect/registry/internal/registry/repository"
	"github.com/sprintconnect/registry/internal/registry/service"
	"go.uber.org/zap"
)

const testOrgID = "7f2c9c1e-8d7e-4f0a-b1aa-6d10a3b5c001"

func setupIntegration(t *testing.T) (*httptest.Server, *pgxpool.Pool) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set — skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	// Clean registry tables for deterministic tests
	db.Exec(ctx, "DELETE FROM mcp_capabilities")
	db.Exec(ctx, "DELETE FROM mcp_credentials")
	db.Exec(ctx, "DELETE FROM mcp_servers")

	logger := zap.NewNop()

	serverRepo := repository.NewServerRepository(db)
	capRepo := repository.NewCapabilityRepository(db)
	prober := mcp.NewClient(0, logger)

	// debug=true: unspecified environments default to development, which
	// allows the loopback endpoints httptest hands out.
	registrationSvc := service.NewRegistrationService(serverRepo, capRepo, prober, nil, nil, true, logger)
	serverSvc := service.NewServerService(serverRepo, capRepo, nil, true, logger)
	serverH := handler.NewServerHandler(registrationSvc, serverSvc, nil, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	v1 := router.Group("/api/v1")
	serverH.Register(v1)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})
	return srv, db
}

// mockMCPEndpoint serves the liveness and handshake routes a real MCP server
// would expose.
func mockMCPEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/mcp/handshake":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"protocol_version": "1.0",
				"server_info":      map[string]any{"name": "integration-server", "version": "2.0.0"},
				"capabilities":     map[string]any{"streaming": true},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(endpoint.Close)
	return endpoint
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org-ID", testOrgID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	return resp, result
}

func registrationBody(endpoint, name string) map[string]any {
	return map[string]any{
		"endpoint_url": endpoint,
		"specification": map[string]any{
			"server_info": map[string]any{"name": name, "version": "1.0.0"},
			"tools": []map[string]any{
				{"name": "search", "description": "Full-text search"},
			},
		},
	}
}

func TestRegistrationLifecycle(t *testing.T) {
	srv, _ := setupIntegration(t)
	endpoint := mockMCPEndpoint(t)

	// Register
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/register",
		registrationBody(endpoint.URL, "lifecycle-server"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %v", resp.StatusCode, body)
	}
	server := body["server"].(map[string]any)
	id := server["id"].(string)
	if server["status"] != "active" {
		t.Errorf("expected active, got %v", server["status"])
	}

	// Get
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/servers/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}

	// Capabilities: 1 spec tool + 1 handshake capability
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/servers/"+id+"/capabilities", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capabilities: expected 200, got %d", resp.StatusCode)
	}
	if count := int(body["count"].(float64)); count != 2 {
		t.Errorf("expected 2 capabilities, got %d: %v", count, body)
	}

	// Duplicate registration conflicts
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/register",
		registrationBody(endpoint.URL, "lifecycle-server"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", resp.StatusCode)
	}

	// Delete frees the identity
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/servers/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/register",
		registrationBody(endpoint.URL, "lifecycle-server"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("re-register after delete: expected 201, got %d", resp.StatusCode)
	}
}

func TestDiscovery_appendsCapabilityRows(t *testing.T) {
	srv, _ := setupIntegration(t)
	endpoint := mockMCPEndpoint(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/register",
		registrationBody(endpoint.URL, "rediscovery-server"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d: %v", resp.StatusCode, body)
	}
	id := body["server"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/"+id+"/discover", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discover: expected 200, got %d: %v", resp.StatusCode, body)
	}

	// 2 rows from registration plus 1 handshake row from the rediscovery
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/servers/"+id+"/capabilities", nil)
	if count := int(body["count"].(float64)); count != 3 {
		t.Errorf("expected 3 capability rows after rediscovery, got %d", count)
	}
}

func TestListServers_pagination(t *testing.T) {
	srv, _ := setupIntegration(t)
	endpoint := mockMCPEndpoint(t)

	for i := 0; i < 10; i++ {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/register",
			registrationBody(endpoint.URL, fmt.Sprintf("page-server-%d", i)))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register server %d: expected 201, got %d: %v", i, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/servers?limit=3&offset=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	if count := int(body["count"].(float64)); count != 3 {
		t.Errorf("page 1: expected 3 servers, got %d", count)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/servers?limit=3&offset=9", nil)
	if count := int(body["count"].(float64)); count != 1 {
		t.Errorf("last page: expected 1 server, got %d", count)
	}
}

func TestGetServer_foreignOrgHidden(t *testing.T) {
	srv, _ := setupIntegration(t)
	endpoint := mockMCPEndpoint(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/register",
		registrationBody(endpoint.URL, "scoped-server"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d", resp.StatusCode)
	}
	id := body["server"].(map[string]any)["id"].(string)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/servers/"+id, nil)
	req.Header.Set("X-Org-ID", "0b6a2f64-2a0f-4f3c-9c55-37f6c1c40002")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign org: expected 404, got %d", resp2.StatusCode)
	}
}
