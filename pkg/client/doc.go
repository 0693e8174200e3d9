// Package client is the SprintConnect Go SDK.
//
// It wraps the registry's HTTP API: registering MCP servers, listing and
// inspecting them, and triggering capability discovery.
//
// # Connecting
//
//	c, err := client.New("https://registry.sprintconnect.io",
//	    client.WithBearerToken(os.Getenv("SPRINTCONNECT_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Against a registry running in open mode, pass the organization explicitly:
//
//	c, _ := client.New("http://localhost:8080", client.WithOrgID(orgID))
//
// # Registering a server
//
// RegisterServer runs the full pipeline server-side: specification
// validation, egress checks, a connectivity probe, and the capability
// handshake. On success the returned server is active with its discovered
// capabilities persisted.
//
//	server, err := c.RegisterServer(ctx, client.RegisterServerRequest{
//	    EndpointURL: "https://mcp.example.com",
//	    Environment: "staging",
//	    SpecURL:     "https://mcp.example.com/spec.json",
//	})
//
// # Discovery
//
// Re-run the capability handshake at any time; new capability rows are
// appended rather than overwriting earlier passes:
//
//	result, err := c.DiscoverCapabilities(ctx, server.ID)
package client
