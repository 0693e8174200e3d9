package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterServer_success(t *testing.T) {
	var gotAuth, gotOrg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/servers/register" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotOrg = r.Header.Get("X-Org-ID")

		var req RegisterServerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.EndpointURL != "https://mcp.example.com" {
			t.Errorf("endpoint_url = %q", req.EndpointURL)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"server": Server{ID: "abc-123", Name: "search-server", Status: "active"},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL,
		WithBearerToken("tok-1"),
		WithOrgID("org-1"),
	)
	if err != nil {
		t.Fatal(err)
	}

	server, err := c.RegisterServer(context.Background(), RegisterServerRequest{
		EndpointURL: "https://mcp.example.com",
		SpecURL:     "https://mcp.example.com/spec.json",
		Environment: "staging",
	})
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if server.ID != "abc-123" || server.Status != "active" {
		t.Errorf("unexpected server: %+v", server)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotOrg != "org-1" {
		t.Errorf("X-Org-ID = %q", gotOrg)
	}
}

func TestRegisterServer_conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"error": "server with name 'dup' already exists in staging environment",
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.RegisterServer(context.Background(), RegisterServerRequest{EndpointURL: "https://x"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err.Error() == ErrConflict.Error() {
		t.Error("expected the registry's message to be included")
	}
}

func TestGetServer_notFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "server not found"}) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.GetServer(context.Background(), "missing-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListServers_filters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("environment") != "production" || q.Get("tag") != "search" || q.Get("limit") != "10" {
			t.Errorf("unexpected query: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"servers": []Server{{ID: "s1"}, {ID: "s2"}},
			"count":   2,
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	servers, err := c.ListServers(context.Background(), ListServersOptions{
		Environment: "production",
		Tag:         "search",
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("got %d servers", len(servers))
	}
}

func TestDiscoverCapabilities_warnings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/servers/s1/discover" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(DiscoveryResult{ //nolint:errcheck
			ServerID:     "s1",
			Capabilities: map[string]any{},
			Warnings:     []string{"handshake failed, no capabilities discovered: connection refused"},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	result, err := c.DiscoverCapabilities(context.Background(), "s1")
	if err != nil {
		t.Fatalf("DiscoverCapabilities: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings: %v", result.Warnings)
	}
}

func TestSearchCapabilities_encodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "web search" {
			t.Errorf("q = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"capabilities": []Capability{{Name: "search"}},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	caps, err := c.SearchCapabilities(context.Background(), "web search")
	if err != nil {
		t.Fatalf("SearchCapabilities: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "search" {
		t.Errorf("capabilities: %+v", caps)
	}
}
