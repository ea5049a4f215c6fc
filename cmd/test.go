package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"mcpremote/internal/oauth"
	"mcpremote/internal/oauth/tokenstore"
)

var (
	testTransport string
	testTimeout   time.Duration
	testAuthDir   string
	testNoAuth    bool
)

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test <endpoint>",
	Short: "Probe a remote MCP server",
	Long: `The test command performs a one-shot connectivity probe against a
remote MCP server: it connects, runs the initialize handshake, lists the
available tools, and prints them as a table.

When the server demands authentication and a stored token exists under
the auth directory it is used; otherwise the interactive OAuth flow runs
first unless --no-auth is set.

Example usage:
  mcp-remote test https://mcp.example.com/mcp
  mcp-remote test https://mcp.example.com/mcp --transport sse
  mcp-remote test https://mcp.example.com/mcp --timeout 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(testCmd)

	testCmd.Flags().StringVar(&testTransport, "transport", "http", "Transport to probe with (http, sse)")
	testCmd.Flags().DurationVar(&testTimeout, "timeout", 30*time.Second, "Overall probe deadline")
	testCmd.Flags().StringVar(&testAuthDir, "auth-dir", "", "Token store directory (default: "+tokenstore.DefaultDir()+")")
	testCmd.Flags().BoolVar(&testNoAuth, "no-auth", false, "Fail instead of starting the OAuth flow on 401")
}

func runProbe(cmd *cobra.Command, args []string) error {
	endpoint := args[0]

	ctx, cancel := context.WithTimeout(cmd.Context(), testTimeout)
	defer cancel()

	authDir := testAuthDir
	if authDir == "" {
		authDir = tokenstore.DefaultDir()
	}
	store, err := tokenstore.New(authDir)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	manager, err := oauth.NewManager(oauth.ManagerConfig{Endpoint: endpoint, Store: store})
	if err != nil {
		return fmt.Errorf("oauth manager: %w", err)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Connecting to " + endpoint + "..."
	s.Start()

	tools, serverInfo, err := probe(ctx, endpoint, manager)
	if err != nil && !testNoAuth && isUnauthorized(err) {
		s.Suffix = " Authenticating with " + endpoint + "..."
		if authErr := manager.Authenticate(ctx, nil); authErr != nil {
			s.Stop()
			return &AuthFlowError{Err: authErr}
		}
		s.Suffix = " Connecting to " + endpoint + "..."
		tools, serverInfo, err = probe(ctx, endpoint, manager)
	}
	s.Stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, text.FgRed.Sprint("Probe failed"))
		return err
	}

	fmt.Printf("Connected to %s (%s)\n", serverInfo.Name, serverInfo.Version)
	renderToolTable(tools)
	return nil
}

// probe runs one initialize + tools/list round trip.
func probe(ctx context.Context, endpoint string, manager *oauth.Manager) ([]mcp.Tool, *mcp.Implementation, error) {
	headers := map[string]string{}
	if tok, err := manager.OAuth2Token(ctx); err == nil {
		// Type() canonicalizes records persisted without a token_type.
		headers["Authorization"] = tok.Type() + " " + tok.AccessToken
	} else if !errors.Is(err, oauth.ErrInteractiveAuthRequired) {
		return nil, nil, err
	}

	var (
		mcpClient *client.Client
		err       error
	)
	switch testTransport {
	case "sse":
		var opts []mcptransport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcptransport.WithHeaders(headers))
		}
		mcpClient, err = client.NewSSEMCPClient(endpoint, opts...)
	case "http":
		var opts []mcptransport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, mcptransport.WithHTTPHeaders(headers))
		}
		mcpClient, err = client.NewStreamableHttpClient(endpoint, opts...)
	default:
		return nil, nil, fmt.Errorf("unsupported probe transport %q (want http or sse)", testTransport)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "mcp-remote",
				Version: rootCmd.Version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, nil, fmt.Errorf("tools/list: %w", err)
	}

	return toolsResult.Tools, &initResult.ServerInfo, nil
}

// isUnauthorized reports whether the probe failed on a 401.
func isUnauthorized(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized")
}

func renderToolTable(tools []mcp.Tool) {
	if len(tools) == 0 {
		fmt.Println(text.FgYellow.Sprint("No tools exposed"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("TOOL"),
		text.FgHiCyan.Sprint("DESCRIPTION"),
	})
	for _, tool := range tools {
		desc := tool.Description
		if len(desc) > 80 {
			desc = desc[:77] + "..."
		}
		t.AppendRow(table.Row{tool.Name, desc})
	}
	t.Render()
	fmt.Printf("%d tools\n", len(tools))
}
