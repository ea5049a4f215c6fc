package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"mcpremote/internal/oauth"
	"mcpremote/internal/transport"
)

// Exit codes for CLI commands. These follow common conventions so wrapper
// scripts and MCP client configurations can branch on the outcome.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeConfigError indicates invalid flags or configuration.
	ExitCodeConfigError = 1
	// ExitCodeTransportExhausted indicates every configured transport failed.
	ExitCodeTransportExhausted = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed or was required
	// but unavailable.
	ExitCodeAuthFailed = 3
)

// rootCmd is the base command for the mcp-remote application. It is the
// entry point when the binary is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mcp-remote",
	Short: "Bridge local MCP clients to remote MCP servers",
	Long: `mcp-remote is a bidirectional proxy between a local MCP client
speaking newline-delimited JSON-RPC on stdio and a remote MCP server
reachable over HTTP streaming, SSE, a stdio subprocess, or raw TCP.

It handles transport fallback and retries, OAuth 2.1 authentication with
dynamic client registration and PKCE, on-disk token persistence shared
across instances, and optional load balancing over an endpoint pool.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and maps the resulting error onto the
// documented exit codes. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-remote version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to its exit code.
func exitCode(err error) int {
	var authErr *transport.AuthRequiredError
	if errors.As(err, &authErr) || errors.Is(err, oauth.ErrInteractiveAuthRequired) {
		return ExitCodeAuthFailed
	}
	var authFailed *AuthFlowError
	if errors.As(err, &authFailed) {
		return ExitCodeAuthFailed
	}
	if errors.Is(err, transport.ErrExhausted) {
		return ExitCodeTransportExhausted
	}
	return ExitCodeConfigError
}

// AuthFlowError wraps an interactive OAuth flow failure so Execute can
// report the authentication exit code.
type AuthFlowError struct {
	Err error
}

func (e *AuthFlowError) Error() string { return "authentication failed: " + e.Err.Error() }

func (e *AuthFlowError) Unwrap() error { return e.Err }
