package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mcpremote/internal/proxy"
	"mcpremote/pkg/logging"
)

var (
	lbConfigPath    string
	lbEndpoints     []string
	lbProbeInterval time.Duration
)

// loadBalanceCmd represents the load-balance command
var loadBalanceCmd = &cobra.Command{
	Use:   "load-balance",
	Short: "Proxy a local stdio MCP client to a pool of remote servers",
	Long: `The load-balance command behaves like proxy but spreads new
requests round-robin over a pool of remote endpoints. Each request id is
pinned to the endpoint that carries it, so streamed responses and
session-bound follow-ups stay on one server.

Endpoints accumulate health state: two retryable failures inside a minute
degrade one, three more take it down, and a background ping probe brings
it back after two consecutive successes. Degraded endpoints only receive
traffic when nothing healthy remains.

The pool comes from repeated --endpoint flags or a YAML file:

  probe_interval: 30s
  endpoints:
    - url: https://mcp-a.example.com/mcp
      transport: http
      fallbacks: [sse]
    - url: https://mcp-b.example.com/mcp

Flags shared with proxy (transport, auth, retry, logging) apply to every
pool member; per-endpoint YAML settings override them.

Example usage:
  mcp-remote load-balance --endpoint https://a/mcp --endpoint https://b/mcp
  mcp-remote load-balance --config pool.yaml --filter-tool "admin_*"`,
	RunE: runLoadBalance,
}

func init() {
	rootCmd.AddCommand(loadBalanceCmd)

	loadBalanceCmd.Flags().StringVar(&lbConfigPath, "config", "", "YAML pool configuration file")
	loadBalanceCmd.Flags().StringArrayVar(&lbEndpoints, "endpoint", nil, "Pool endpoint URL (repeatable)")
	loadBalanceCmd.Flags().DurationVar(&lbProbeInterval, "probe-interval", proxy.DefaultProbeInterval, "Ping cadence for unhealthy endpoints")

	// The per-session flags are shared with proxy.
	loadBalanceCmd.Flags().AddFlagSet(proxyCmd.Flags())
	loadBalanceCmd.MarkFlagsMutuallyExclusive("config", "endpoint")
}

// poolConfig is the YAML shape of a load-balance pool.
type poolConfig struct {
	ProbeInterval time.Duration  `yaml:"probe_interval"`
	Endpoints     []poolEndpoint `yaml:"endpoints"`
}

// poolEndpoint is one pool member. Zero-valued fields inherit the
// command-line flags.
type poolEndpoint struct {
	URL       string   `yaml:"url"`
	Transport string   `yaml:"transport"`
	Fallbacks []string `yaml:"fallbacks"`
	Headers   []string `yaml:"headers"`
}

func loadPoolConfig(path string) (*poolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	var cfg poolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pool config %s: %w", path, err)
	}
	return &cfg, nil
}

func runLoadBalance(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	pool := &poolConfig{ProbeInterval: lbProbeInterval}
	switch {
	case lbConfigPath != "":
		loaded, err := loadPoolConfig(lbConfigPath)
		if err != nil {
			return err
		}
		if loaded.ProbeInterval <= 0 {
			loaded.ProbeInterval = lbProbeInterval
		}
		pool = loaded
	case len(lbEndpoints) > 0:
		for _, url := range lbEndpoints {
			pool.Endpoints = append(pool.Endpoints, poolEndpoint{URL: url})
		}
	default:
		return fmt.Errorf("load-balance needs --config or at least one --endpoint")
	}

	var (
		endpoints []proxy.Endpoint
		entriesCh <-chan logging.Entry
	)
	for _, member := range pool.Endpoints {
		if member.URL == "" {
			return fmt.Errorf("pool endpoint without url")
		}
		params := sessionParams{
			endpoint:     member.URL,
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
		}
		if member.Transport != "" {
			params.transport = member.Transport
		}
		if len(member.Fallbacks) > 0 {
			params.fallbacks = member.Fallbacks
		}
		if len(member.Headers) > 0 {
			params.headers = append(params.headers, member.Headers...)
		}

		session, entries, err := buildSession(params)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", member.URL, err)
		}
		if entries != nil {
			entriesCh = entries
		}
		endpoints = append(endpoints, proxy.Endpoint{URL: member.URL, Remote: session})
	}

	dispatcher, err := proxy.NewDispatcher(proxy.DispatcherConfig{
		ProbeInterval: pool.ProbeInterval,
	}, endpoints)
	if err != nil {
		return err
	}

	f := proxy.NewForwarder(proxy.ForwarderConfig{
		RequestTimeout: proxyTimeout,
		ToolFilter:     proxyFilterTools,
	}, dispatcher)

	if entriesCh != nil {
		go pumpLogNotifications(f, entriesCh)
	}

	return proxy.RunLocal(ctx, f, os.Stdin, os.Stdout, proxyMaxFrame)
}
