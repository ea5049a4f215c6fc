// Package oauth implements the OAuth 2.1 client side of the proxy:
// metadata discovery, dynamic client registration, the PKCE
// authorization-code flow with a loopback callback server, token refresh,
// and cross-process coordination through the token store's lock files.
package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Token is a token endpoint response.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the token lifetime in seconds (from token response).
	ExpiresIn int `json:"expires_in,omitempty"`

	// ExpiresAt is the calculated expiration timestamp.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`
}

// SetExpiresAtFromExpiresIn calculates and sets ExpiresAt from ExpiresIn.
func (t *Token) SetExpiresAtFromExpiresIn() {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// Metadata is OAuth 2.0 Authorization Server Metadata (RFC 8414).
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Validate checks the fields the auth flow cannot run without.
func (m *Metadata) Validate() error {
	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization server metadata missing authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("authorization server metadata missing token_endpoint")
	}
	return nil
}

// SupportsPKCE returns true if the server supports S256 PKCE. Servers
// that do not advertise methods are assumed compliant with OAuth 2.1.
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return len(m.CodeChallengeMethodsSupported) == 0
}

// ClientRegistration is an RFC 7591 dynamic registration response.
type ClientRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`

	// Raw is the full response body for persistence.
	Raw json.RawMessage `json:"-"`
}

// AuthChallenge is the parsed content of a WWW-Authenticate header.
type AuthChallenge struct {
	// Scheme is the authentication scheme, "Bearer" for OAuth 2.0.
	Scheme string

	// Realm is the protection realm, often the authorization server URL.
	Realm string

	// Issuer is the OAuth issuer URL when the realm looks like one.
	Issuer string

	// ResourceMetadataURL points at RFC 9728 protected resource metadata.
	ResourceMetadataURL string

	// Scope is the space-separated list of required scopes.
	Scope string

	// Error and ErrorDescription carry the server's error parameters.
	Error            string
	ErrorDescription string
}

// IsOAuthChallenge returns true when the challenge can start a flow.
func (c *AuthChallenge) IsOAuthChallenge() bool {
	if c == nil || !strings.EqualFold(c.Scheme, "Bearer") {
		return false
	}
	return c.Realm != "" || c.ResourceMetadataURL != "" || c.Issuer != ""
}

// GetIssuer returns the issuer URL, falling back to a URL-shaped realm.
func (c *AuthChallenge) GetIssuer() string {
	if c == nil {
		return ""
	}
	if c.Issuer != "" {
		return c.Issuer
	}
	if strings.HasPrefix(c.Realm, "http://") || strings.HasPrefix(c.Realm, "https://") {
		return c.Realm
	}
	return ""
}

// PKCEChallenge is a Proof Key for Code Exchange pair. The verifier is
// held in memory only and never persisted.
type PKCEChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Redact summarizes a secret for logging without exposing it: length and
// the last four characters only.
func Redact(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	if len(secret) <= 4 {
		return fmt.Sprintf("len=%d", len(secret))
	}
	return fmt.Sprintf("len=%d suffix=%s", len(secret), secret[len(secret)-4:])
}
