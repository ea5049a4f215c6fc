package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mcpremote/internal/jsonrpc"
	"mcpremote/internal/oauth"
	"mcpremote/internal/oauth/tokenstore"
	"mcpremote/internal/proxy"
	"mcpremote/internal/transport"
	"mcpremote/pkg/logging"
)

var (
	proxyTransport        string
	proxyFallbacks        []string
	proxyAllowHTTP        bool
	proxyHeaders          []string
	proxyFilterTools      []string
	proxyClientID         string
	proxyClientSecret     string
	proxyScope            string
	proxyCallbackPort     int
	proxyAuthDir          string
	proxyAuthTimeout      time.Duration
	proxyTimeout          time.Duration
	proxyConnectTimeout   time.Duration
	proxyRetries          int
	proxyRetryDelay       time.Duration
	proxyRetryJitter      float64
	proxyLogLevel         string
	proxyLogNotifications bool
	proxyMaxFrame         int
)

// proxyCmd represents the proxy command
var proxyCmd = &cobra.Command{
	Use:   "proxy <endpoint>",
	Short: "Proxy a local stdio MCP client to one remote server",
	Long: `The proxy command reads newline-delimited JSON-RPC from stdin,
forwards each message to the remote MCP server, and writes replies and
server notifications back to stdout.

The remote is reached through the primary transport first; when it
exhausts its retries the strategy advances through the --fallback list
in order. A 401 from the remote triggers the OAuth flow (dynamic client
registration plus PKCE by default, or a static client via --client-id),
persists the token under the auth directory, and replays the request.

Transports:
- http (default): POST per request, streamed responses over a companion GET
- sse: long-lived event stream with a POST endpoint
- stdio: the endpoint is a command line for a subprocess speaking stdio
- tcp: newline frames over a raw TCP connection

Logging goes to stderr so stdout stays a clean protocol stream. With
--log-notifications, log records are instead sent to the local client as
notifications/message frames.

Example usage:
  mcp-remote proxy https://mcp.example.com/mcp
  mcp-remote proxy https://mcp.example.com/mcp --transport sse
  mcp-remote proxy https://mcp.example.com/mcp --fallback sse --fallback tcp
  mcp-remote proxy "npx some-mcp-server" --transport stdio
  mcp-remote proxy https://mcp.example.com/mcp --header "X-Env: staging"
  mcp-remote proxy https://mcp.example.com/mcp --filter-tool "admin_*"`,
	Args: cobra.ExactArgs(1),
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)

	proxyCmd.Flags().StringVar(&proxyTransport, "transport", "http", "Primary transport (http, sse, stdio, tcp)")
	proxyCmd.Flags().StringSliceVar(&proxyFallbacks, "fallback", nil, "Fallback transports, tried in order")
	proxyCmd.Flags().BoolVar(&proxyAllowHTTP, "allow-http", false, "Permit plaintext http:// remote URLs")
	proxyCmd.Flags().StringArrayVar(&proxyHeaders, "header", nil, "Extra header on every remote request, \"Name: Value\" (repeatable)")
	proxyCmd.Flags().StringArrayVar(&proxyFilterTools, "filter-tool", nil, "Glob of tool names hidden from the client (repeatable)")

	proxyCmd.Flags().StringVar(&proxyClientID, "client-id", "", "Static OAuth client id (skips dynamic registration)")
	proxyCmd.Flags().StringVar(&proxyClientSecret, "client-secret", "", "Static OAuth client secret")
	proxyCmd.Flags().StringVar(&proxyScope, "scope", "", "OAuth scope to request")
	proxyCmd.Flags().IntVar(&proxyCallbackPort, "callback-port", 0, "Pin the OAuth callback port (0 picks a free one)")
	proxyCmd.Flags().StringVar(&proxyAuthDir, "auth-dir", "", "Token store directory (default: "+tokenstore.DefaultDir()+")")
	proxyCmd.Flags().DurationVar(&proxyAuthTimeout, "auth-timeout", oauth.DefaultAuthTimeout, "Deadline for the interactive OAuth flow")

	proxyCmd.Flags().DurationVar(&proxyTimeout, "timeout", transport.DefaultRequestTimeout, "Per-request deadline")
	proxyCmd.Flags().DurationVar(&proxyConnectTimeout, "connect-timeout", transport.DefaultConnectTimeout, "Transport connect deadline")
	proxyCmd.Flags().IntVar(&proxyRetries, "retries", transport.DefaultRetryAttempts, "Attempts per transport before advancing")
	proxyCmd.Flags().DurationVar(&proxyRetryDelay, "retry-delay", transport.DefaultRetryBaseDelay, "Base retry delay, doubled per attempt")
	proxyCmd.Flags().Float64Var(&proxyRetryJitter, "retry-jitter", 0.25, "Retry delay jitter fraction in [0,1)")

	proxyCmd.Flags().StringVar(&proxyLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	proxyCmd.Flags().BoolVar(&proxyLogNotifications, "log-notifications", false, "Emit log records as notifications/message frames instead of stderr text")
	proxyCmd.Flags().IntVar(&proxyMaxFrame, "max-frame-size", 0, "Maximum frame size in bytes (0 uses the default)")
}

func runProxy(cmd *cobra.Command, args []string) error {
	endpoint := args[0]

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	session, entries, err := buildSession(sessionParams{
		endpoint:     endpoint,
		transport:    proxyTransport,
		fallbacks:    proxyFallbacks,
		allowHTTP:    proxyAllowHTTP,
		headers:      proxyHeaders,
		clientID:     proxyClientID,
		clientSecret: proxyClientSecret,
		scope:        proxyScope,
		callbackPort: proxyCallbackPort,
		authDir:      proxyAuthDir,
		authTimeout:  proxyAuthTimeout,
	})
	if err != nil {
		return err
	}

	f := proxy.NewForwarder(proxy.ForwarderConfig{
		RequestTimeout: proxyTimeout,
		ToolFilter:     proxyFilterTools,
	}, session)

	if entries != nil {
		go pumpLogNotifications(f, entries)
	}

	return proxy.RunLocal(ctx, f, os.Stdin, os.Stdout, proxyMaxFrame)
}

// sessionParams collects everything needed to stand up one remote session:
// the transport strategy plus its OAuth manager.
type sessionParams struct {
	endpoint     string
	transport    string
	fallbacks    []string
	allowHTTP    bool
	headers      []string
	clientID     string
	clientSecret string
	scope        string
	callbackPort int
	authDir      string
	authTimeout  time.Duration
}

// buildSession wires the token store, OAuth manager and transport strategy
// for one endpoint. It also initializes logging on first use and returns
// the log entry channel when notification logging is active.
func buildSession(p sessionParams) (*transport.Strategy, <-chan logging.Entry, error) {
	logEntries := initLogging()

	primary, err := transport.ParseKind(p.transport)
	if err != nil {
		return nil, nil, err
	}
	var fallbacks []transport.Kind
	for _, name := range p.fallbacks {
		kind, err := transport.ParseKind(name)
		if err != nil {
			return nil, nil, err
		}
		fallbacks = append(fallbacks, kind)
	}

	headers, err := parseHeaders(p.headers)
	if err != nil {
		return nil, nil, err
	}

	authDir := p.authDir
	if authDir == "" {
		authDir = tokenstore.DefaultDir()
	}
	store, err := tokenstore.New(authDir)
	if err != nil {
		return nil, nil, fmt.Errorf("token store: %w", err)
	}

	manager, err := oauth.NewManager(oauth.ManagerConfig{
		Endpoint:     p.endpoint,
		Store:        store,
		Scope:        p.scope,
		CallbackPort: p.callbackPort,
		AuthTimeout:  p.authTimeout,
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("oauth manager: %w", err)
	}

	strategy, err := transport.NewStrategy(transport.Config{
		Primary:        primary,
		Fallbacks:      fallbacks,
		ConnectTimeout: proxyConnectTimeout,
		RequestTimeout: proxyTimeout,
		RetryAttempts:  proxyRetries,
		RetryBaseDelay: proxyRetryDelay,
		RetryJitter:    proxyRetryJitter,
	}, transport.Options{
		Endpoint:           p.endpoint,
		Headers:            headers,
		Bearer:             manager.Bearer(),
		AllowPlaintextHTTP: p.allowHTTP,
		MaxFrameSize:       proxyMaxFrame,
	})
	if err != nil {
		return nil, nil, err
	}

	strategy.SetAuthenticator(func(ctx context.Context, challenge *transport.AuthRequiredError) error {
		var parsed *oauth.AuthChallenge
		if challenge != nil && challenge.WWWAuthenticate != "" {
			// A malformed header is not fatal; the manager falls back to
			// endpoint-origin discovery.
			parsed, _ = oauth.ParseWWWAuthenticate(challenge.WWWAuthenticate)
		}
		return manager.Authenticate(ctx, parsed)
	})

	return strategy, logEntries, nil
}

var (
	logOnce    sync.Once
	logEntries <-chan logging.Entry
)

// initLogging installs the slog handler chosen by the logging flags and
// returns the entry channel in notification mode, nil otherwise. A pool
// builds several sessions; the handler is installed once.
func initLogging() <-chan logging.Entry {
	logOnce.Do(func() {
		level := logging.ParseLevel(proxyLogLevel)
		if proxyLogNotifications {
			logEntries = logging.InitNotifications(level)
			return
		}
		logging.InitStderr(level, os.Stderr)
	})
	return logEntries
}

// pumpLogNotifications forwards captured log records to the local client
// as notifications/message frames.
func pumpLogNotifications(f *proxy.Forwarder, entries <-chan logging.Entry) {
	for {
		select {
		case entry := <-entries:
			params, err := entry.NotificationParams("mcp-remote")
			if err != nil {
				continue
			}
			f.Deliver(jsonrpc.NewNotification("notifications/message", params))
		case <-f.Done():
			return
		}
	}
}

// parseHeaders converts repeated "Name: Value" flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, found := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !found || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: Value\"", h)
		}
		headers[name] = value
	}
	return headers, nil
}
