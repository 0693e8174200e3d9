package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sprintconnect/registry/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	registryURL string
	bearerToken string
	orgID       string
	cfgFile     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sprintctl",
	Short: "SprintConnect registry CLI",
	Long: `sprintctl is the command-line interface for the SprintConnect MCP
server registry.

It registers MCP servers, lists and inspects them, and triggers
capability discovery against a running registry.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sprintconnect")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if registryURL == "" {
			registryURL = viper.GetString("registry_url")
		}
		if registryURL == "" {
			registryURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = viper.GetString("token")
		}
		if orgID == "" {
			orgID = viper.GetString("org_id")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sprintconnect/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", "", "registry URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "access token (or SPRINTCONNECT_TOKEN via env)")
	rootCmd.PersistentFlags().StringVar(&orgID, "org", "", "organization ID for registries running without auth")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	if orgID != "" {
		opts = append(opts, client.WithOrgID(orgID))
	}
	return client.New(registryURL, opts...)
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regEndpoint    string
	regWsURL       string
	regSpecURL     string
	regSpecFile    string
	regEnvironment string
	regTags        []string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an MCP server from a specification",
	Long: `register runs the full registration pipeline: the registry validates
the specification, checks the endpoint against its egress rules, probes
connectivity, and performs the capability handshake before persisting.

The specification comes from --spec-url (fetched by the registry) or
--spec-file (a local JSON document sent inline):

  sprintctl register --endpoint https://mcp.example.com --spec-url https://mcp.example.com/spec.json
  sprintctl register --endpoint https://mcp.example.com --spec-file ./spec.json --env staging`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&regEndpoint, "endpoint", "", "MCP server base URL")
	registerCmd.Flags().StringVar(&regWsURL, "ws-url", "", "optional WebSocket URL")
	registerCmd.Flags().StringVar(&regSpecURL, "spec-url", "", "URL of the server's specification document")
	registerCmd.Flags().StringVar(&regSpecFile, "spec-file", "", "path to a local specification JSON file")
	registerCmd.Flags().StringVar(&regEnvironment, "env", "", "target environment: development, staging, or production")
	registerCmd.Flags().StringSliceVar(&regTags, "tag", nil, "tags to attach (repeatable)")

	_ = registerCmd.MarkFlagRequired("endpoint")
}

func runRegister(cmd *cobra.Command, args []string) error {
	if (regSpecURL == "") == (regSpecFile == "") {
		return fmt.Errorf("provide exactly one of --spec-url or --spec-file")
	}

	req := client.RegisterServerRequest{
		EndpointURL: regEndpoint,
		WsURL:       regWsURL,
		SpecURL:     regSpecURL,
		Environment: regEnvironment,
		Tags:        regTags,
	}

	if regSpecFile != "" {
		data, err := os.ReadFile(regSpecFile)
		if err != nil {
			return fmt.Errorf("read spec file: %w", err)
		}
		var spec map[string]any
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("parse spec file: %w", err)
		}
		req.Specification = spec
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	fmt.Printf("Registering %s...\n", regEndpoint)
	server, err := c.RegisterServer(context.Background(), req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	fmt.Printf("✓ Server registered\n\n")
	fmt.Printf("  ID:          %s\n", server.ID)
	fmt.Printf("  Name:        %s\n", server.Name)
	fmt.Printf("  Environment: %s\n", server.Environment)
	fmt.Printf("  Status:      %s\n\n", server.Status)
	fmt.Printf("Next: sprintctl capabilities %s\n", server.ID)
	return nil
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listEnvironment string
	listStatus      string
	listTag         string
	listFormat      string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered MCP servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		servers, err := c.ListServers(context.Background(), client.ListServersOptions{
			Environment: listEnvironment,
			Status:      listStatus,
			Tag:         listTag,
		})
		if err != nil {
			return fmt.Errorf("list servers: %w", err)
		}

		if listFormat == "json" {
			return printJSON(servers)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENV\tSTATUS\tHEALTH\tBASE URL")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Name, s.Environment, s.Status, s.HealthStatus, s.BaseURL)
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().StringVar(&listEnvironment, "env", "", "filter by environment")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listTag, "tag", "", "filter by tag")
	listCmd.Flags().StringVar(&listFormat, "format", "text", "output format: text or json")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <server-id>",
	Short: "Show a server's full record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		server, err := c.GetServer(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get server: %w", err)
		}
		return printJSON(server)
	},
}

// ── delete ───────────────────────────────────────────────────────────────────

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <server-id>",
	Short: "Soft-delete a server, freeing its name for re-registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		server, err := c.GetServer(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get server: %w", err)
		}

		if !deleteForce {
			fmt.Printf("Delete server %q (%s, %s)? [y/N]: ", server.Name, server.Environment, server.BaseURL)
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := c.DeleteServer(context.Background(), args[0]); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Printf("✓ Server deleted: %s\n", server.Name)
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "skip confirmation prompt")
}

// ── discover ─────────────────────────────────────────────────────────────────

var discoverCmd = &cobra.Command{
	Use:   "discover <server-id>",
	Short: "Re-run the capability handshake against a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		result, err := c.DiscoverCapabilities(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("discover: %w", err)
		}

		fmt.Printf("Discovery completed at %s\n", result.DiscoveredAt.Format(time.RFC3339))
		fmt.Printf("  Capabilities: %d\n", len(result.Capabilities))
		for _, warning := range result.Warnings {
			fmt.Printf("  ⚠ %s\n", warning)
		}
		return nil
	},
}

// ── capabilities ─────────────────────────────────────────────────────────────

var capabilitiesFormat string

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities <server-id>",
	Short: "List the capabilities recorded for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		caps, err := c.ListCapabilities(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list capabilities: %w", err)
		}

		if capabilitiesFormat == "json" {
			return printJSON(caps)
		}
		return printCapabilityTable(caps)
	},
}

func init() {
	capabilitiesCmd.Flags().StringVar(&capabilitiesFormat, "format", "text", "output format: text or json")
}

// ── search ───────────────────────────────────────────────────────────────────

var searchFormat string

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search capabilities across all servers by name or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		caps, err := c.SearchCapabilities(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if searchFormat == "json" {
			return printJSON(caps)
		}
		return printCapabilityTable(caps)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchFormat, "format", "text", "output format: text or json")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sprintctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sprintctl %s (SprintConnect)\n", version)
	},
}

// ── output helpers ───────────────────────────────────────────────────────────

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCapabilityTable(caps []client.Capability) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tSOURCE\tDISCOVERED\tDESCRIPTION")
	for _, cap := range caps {
		source, _ := cap.Metadata["discovered_from"].(string)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			cap.Name, cap.ServerID, source,
			cap.DiscoveredAt.Format("2006-01-02 15:04"),
			truncate(cap.Description, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
