package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// defaultHTTPTimeout bounds every protocol request.
	defaultHTTPTimeout = 30 * time.Second

	// metadataCacheTTL is how long discovered server metadata stays fresh.
	metadataCacheTTL = 30 * time.Minute
)

// TokenError is a non-2xx answer from the token endpoint. The status
// code decides whether refresh falls back to interactive auth.
type TokenError struct {
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token request failed with status %d", e.Status)
}

// ClientCredential reports whether the failure blames the client side
// (expired grant, bad client) rather than the server.
func (e *TokenError) ClientCredential() bool {
	return e.Status >= 400 && e.Status < 500
}

type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Client speaks the OAuth 2.1 wire protocol: metadata discovery, dynamic
// registration, code exchange and refresh. Flow orchestration lives in
// the Manager.
type Client struct {
	httpClient *http.Client

	// Static metadata, when the operator supplies endpoints directly,
	// short-circuits discovery.
	static *Metadata

	metadataMu    sync.RWMutex
	metadataCache map[string]*metadataCacheEntry

	// metadataGroup deduplicates concurrent discovery of one issuer.
	metadataGroup singleflight.Group
}

// ClientOption configures the protocol client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithStaticMetadata bypasses discovery with operator-supplied endpoints.
func WithStaticMetadata(m *Metadata) ClientOption {
	return func(c *Client) { c.static = m }
}

// NewClient creates a protocol client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		metadataCache: make(map[string]*metadataCacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DiscoverMetadata fetches authorization server metadata for the issuer.
// RFC 8414 (/.well-known/oauth-authorization-server) is tried first, then
// OpenID Connect discovery. Static metadata, when configured, wins.
// Results are cached and concurrent fetches deduplicated.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	if c.static != nil {
		if err := c.static.Validate(); err != nil {
			return nil, err
		}
		return c.static, nil
	}

	issuer = strings.TrimSuffix(issuer, "/")

	c.metadataMu.RLock()
	if entry, ok := c.metadataCache[issuer]; ok && time.Since(entry.fetchedAt) < metadataCacheTTL {
		c.metadataMu.RUnlock()
		return entry.metadata, nil
	}
	c.metadataMu.RUnlock()

	result, err, _ := c.metadataGroup.Do(issuer, func() (interface{}, error) {
		c.metadataMu.RLock()
		if entry, ok := c.metadataCache[issuer]; ok && time.Since(entry.fetchedAt) < metadataCacheTTL {
			c.metadataMu.RUnlock()
			return entry.metadata, nil
		}
		c.metadataMu.RUnlock()

		return c.doDiscoverMetadata(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Metadata), nil
}

func (c *Client) doDiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	metadata, err := c.fetchMetadata(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err != nil {
		slog.Debug("RFC 8414 metadata fetch failed, trying OIDC discovery",
			"issuer", issuer, "error", err)
		metadata, err = c.fetchMetadata(ctx, issuer+"/.well-known/openid-configuration")
	}
	if err != nil {
		return nil, fmt.Errorf("discovering OAuth metadata for %s: %w", issuer, err)
	}
	if err := metadata.Validate(); err != nil {
		return nil, err
	}

	c.metadataMu.Lock()
	c.metadataCache[issuer] = &metadataCacheEntry{metadata: metadata, fetchedAt: time.Now()}
	c.metadataMu.Unlock()

	slog.Debug("Discovered OAuth metadata",
		"issuer", issuer,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint,
		"registration_endpoint", metadata.RegistrationEndpoint)
	return metadata, nil
}

func (c *Client) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &metadata, nil
}

// Register performs RFC 7591 dynamic client registration as a public
// client requesting the code and refresh grants.
func (c *Client) Register(ctx context.Context, registrationEndpoint, clientName, redirectURI, scope string) (*ClientRegistration, error) {
	payload := map[string]interface{}{
		"client_name":                clientName,
		"redirect_uris":              []string{redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	}
	if scope != "" {
		payload["scope"] = scope
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading registration response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}

	var reg ClientRegistration
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	reg.Raw = respBody

	slog.Info("Registered OAuth client",
		"registration_endpoint", registrationEndpoint, "client_id", reg.ClientID)
	return &reg, nil
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint, code, redirectURI, clientID, clientSecret, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	return c.doTokenRequest(ctx, tokenEndpoint, data)
}

// RefreshToken obtains a new access token using a refresh token.
func (c *Client) RefreshToken(ctx context.Context, tokenEndpoint, refreshToken, clientID, clientSecret string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	return c.doTokenRequest(ctx, tokenEndpoint, data)
}

func (c *Client) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Debug("Token request rejected", "status", resp.StatusCode)
		return nil, &TokenError{Status: resp.StatusCode, Body: string(body)}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	token.SetExpiresAtFromExpiresIn()
	return &token, nil
}

// BuildAuthorizationURL constructs the authorization request URL.
func (c *Client) BuildAuthorizationURL(authEndpoint, clientID, redirectURI, state, scope string, pkce *PKCEChallenge) (string, error) {
	authURL, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	if scope != "" {
		query.Set("scope", scope)
	}
	if pkce != nil {
		query.Set("code_challenge", pkce.CodeChallenge)
		query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}
