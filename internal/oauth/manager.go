package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mcpremote/internal/oauth/tokenstore"
	"mcpremote/internal/watcher"
)

// DefaultAuthTimeout bounds an interactive flow: browser wait, callback
// wait, and the cross-process wait on another instance's flow.
const DefaultAuthTimeout = 5 * time.Minute

// State is the engine's position in the auth lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateRegistering
	StateAuthorizing
	StateExchanging
	StateAuthenticated
	StateRefreshing
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateRegistering:
		return "registering"
	case StateAuthorizing:
		return "authorizing"
	case StateExchanging:
		return "exchanging"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInteractiveAuthRequired means the engine holds no usable credential
// and only a browser flow can produce one.
var ErrInteractiveAuthRequired = errors.New("interactive authentication required")

// ManagerConfig configures the auth engine for one remote endpoint.
type ManagerConfig struct {
	// Endpoint is the remote server URL the tokens authenticate to.
	Endpoint string

	// Store persists tokens and locks. Required.
	Store *tokenstore.Store

	// ClientName is sent in dynamic registration requests.
	ClientName string

	// Scope requested during authorization.
	Scope string

	// CallbackPort pins the loopback callback port; 0 picks one.
	CallbackPort int

	// AuthTimeout bounds interactive flows. Zero means the default.
	AuthTimeout time.Duration

	// ClientID and ClientSecret are static client credentials. When set,
	// dynamic registration is skipped.
	ClientID     string
	ClientSecret string

	// StaticMetadata bypasses discovery when the authorization server has
	// no well-known endpoints.
	StaticMetadata *Metadata

	// OpenBrowser overrides browser launch, used by tests. Nil uses the
	// real browser.
	OpenBrowser func(url string) error
}

// Manager orchestrates the OAuth lifecycle for one endpoint: it serves
// bearer tokens, refreshes them ahead of expiry, and runs the interactive
// PKCE flow when the remote demands one, coordinating with concurrent
// instances through the store's lock files.
type Manager struct {
	cfg    ManagerConfig
	client *Client

	mu     sync.Mutex
	state  State
	record *tokenstore.Record

	// refreshGroup collapses concurrent refresh attempts into one.
	refreshGroup singleflight.Group

	// flowMu serializes interactive flows within this process.
	flowMu sync.Mutex
}

// NewManager creates an auth engine. The initial state reflects whatever
// the store already holds.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcp-remote"
	}
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = OpenBrowser
	}

	var opts []ClientOption
	if cfg.StaticMetadata != nil {
		opts = append(opts, WithStaticMetadata(cfg.StaticMetadata))
	}

	m := &Manager{
		cfg:    cfg,
		client: NewClient(opts...),
		state:  StateAnonymous,
	}

	if rec, err := cfg.Store.Load(cfg.Endpoint); err == nil && rec.Valid() {
		m.record = rec
		m.state = StateAuthenticated
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bearer returns the token supplier for the transport layer. An empty
// token means the request goes out anonymous; the remote's 401 then
// drives the interactive flow.
func (m *Manager) Bearer() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		token, err := m.Token(ctx)
		if err != nil {
			if errors.Is(err, ErrInteractiveAuthRequired) {
				return "", nil
			}
			return "", err
		}
		return token, nil
	}
}

// Token returns a valid access token, refreshing first when the current
// one expires within the skew. Returns ErrInteractiveAuthRequired when
// no credential exists and refresh cannot mint one.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()

	if rec == nil {
		loaded, err := m.cfg.Store.Load(m.cfg.Endpoint)
		if err != nil {
			return "", err
		}
		if loaded == nil {
			return "", ErrInteractiveAuthRequired
		}
		m.mu.Lock()
		m.record = loaded
		rec = loaded
		m.mu.Unlock()
	}

	if rec.Valid() {
		return rec.AccessToken, nil
	}
	if rec.RefreshToken == "" {
		return "", ErrInteractiveAuthRequired
	}
	return m.refresh(ctx, rec)
}

// OAuth2Token returns the current credential as an x/oauth2 token, the
// interchange shape for callers driving their own HTTP clients. Like
// Token, it refreshes first when the access token is inside the skew.
func (m *Manager) OAuth2Token(ctx context.Context) (*oauth2.Token, error) {
	if _, err := m.Token(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil, ErrInteractiveAuthRequired
	}
	return m.record.ToOAuth2Token(), nil
}

// refresh exchanges the refresh token, collapsing concurrent callers.
// A 4xx from the token endpoint invalidates the credential entirely; a
// 5xx or network error keeps the old token so a still-valid credential
// survives a flaky IdP.
func (m *Manager) refresh(ctx context.Context, rec *tokenstore.Record) (string, error) {
	result, err, _ := m.refreshGroup.Do(m.cfg.Endpoint, func() (interface{}, error) {
		m.setState(StateRefreshing)

		metadata, err := m.client.DiscoverMetadata(ctx, m.issuer(rec))
		if err != nil {
			m.setState(StateAuthenticated)
			return nil, fmt.Errorf("discovering token endpoint for refresh: %w", err)
		}

		token, err := m.client.RefreshToken(ctx, metadata.TokenEndpoint,
			rec.RefreshToken, rec.ClientID, rec.ClientSecret)
		if err != nil {
			var te *TokenError
			if errors.As(err, &te) && te.ClientCredential() {
				slog.Warn("Refresh token rejected, interactive re-authentication required",
					"endpoint", tokenstore.NormalizeEndpoint(m.cfg.Endpoint),
					"status", te.Status)
				m.cfg.Store.Delete(m.cfg.Endpoint)
				m.mu.Lock()
				m.record = nil
				m.state = StateAnonymous
				m.mu.Unlock()
				return nil, ErrInteractiveAuthRequired
			}
			// Server-side trouble: keep the existing token.
			slog.Warn("Token refresh failed, keeping current token",
				"endpoint", tokenstore.NormalizeEndpoint(m.cfg.Endpoint), "error", err)
			m.setState(StateAuthenticated)
			return rec.AccessToken, nil
		}

		updated := m.recordFromToken(token, rec)
		if err := m.cfg.Store.Save(m.cfg.Endpoint, updated); err != nil {
			return nil, fmt.Errorf("persisting refreshed token: %w", err)
		}

		m.mu.Lock()
		m.record = updated
		m.state = StateAuthenticated
		m.mu.Unlock()

		slog.Debug("Refreshed access token",
			"endpoint", tokenstore.NormalizeEndpoint(m.cfg.Endpoint),
			"expires_at", updated.ExpiresAt,
			"token", Redact(updated.AccessToken))
		return updated.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Authenticate runs the full interactive flow in response to a 401. It
// is the strategy's auth hook: on return with nil error a valid token is
// in the store and Bearer will serve it.
//
// Cross-process discipline: if another instance holds the endpoint lock,
// this one waits for it to produce a token (fsnotify plus polling) up to
// the auth timeout, after which the stale lock is reaped and this
// instance takes over.
func (m *Manager) Authenticate(ctx context.Context, challenge *AuthChallenge) error {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	// Another goroutine (or process, observed via the store) may have
	// finished while we queued.
	if rec, err := m.cfg.Store.Load(m.cfg.Endpoint); err == nil && rec.Valid() {
		m.mu.Lock()
		m.record = rec
		m.state = StateAuthenticated
		m.mu.Unlock()
		return nil
	}

	// The callback server binds before the lock is taken so the lock
	// record can carry the real port.
	srv := NewCallbackServer(m.cfg.CallbackPort)
	redirectURI, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting callback server: %w", err)
	}
	defer srv.Stop()

	lock, err := m.cfg.Store.AcquireLock(m.cfg.Endpoint, srv.Port(), m.cfg.AuthTimeout)
	if err != nil {
		var busy *tokenstore.BusyError
		if !errors.As(err, &busy) {
			return err
		}

		slog.Info("Another instance is authenticating, waiting for its token",
			"endpoint", tokenstore.NormalizeEndpoint(m.cfg.Endpoint),
			"owner_pid", busy.Owner.PID)
		rec, werr := watcher.WaitForToken(ctx, m.cfg.Store, m.cfg.Endpoint, m.cfg.AuthTimeout)
		if werr == nil {
			m.mu.Lock()
			m.record = rec
			m.state = StateAuthenticated
			m.mu.Unlock()
			return nil
		}
		if !errors.Is(werr, watcher.ErrTimeout) {
			return werr
		}

		// The owner never delivered; its lock is now past the timeout and
		// will be reaped on this second acquire.
		lock, err = m.cfg.Store.AcquireLock(m.cfg.Endpoint, srv.Port(), m.cfg.AuthTimeout)
		if err != nil {
			return fmt.Errorf("taking over auth flow: %w", err)
		}
	}
	defer lock.Release()

	// The takeover path above may have spent a full auth timeout waiting
	// on the previous owner; the flow this instance runs gets its own.
	flowCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	if err := m.runInteractiveFlow(flowCtx, challenge, srv, redirectURI); err != nil {
		m.setState(StateFailed)
		return err
	}
	return nil
}

// runInteractiveFlow executes discovery, registration, authorization and
// code exchange while the caller holds the endpoint lock.
func (m *Manager) runInteractiveFlow(ctx context.Context, challenge *AuthChallenge, srv *CallbackServer, redirectURI string) error {
	metadata, err := m.client.DiscoverMetadata(ctx, m.issuerFromChallenge(challenge))
	if err != nil {
		return err
	}
	if !metadata.SupportsPKCE() {
		return fmt.Errorf("authorization server does not support S256 PKCE")
	}

	clientID, clientSecret, registration, err := m.resolveClient(ctx, metadata, redirectURI)
	if err != nil {
		return err
	}

	m.setState(StateAuthorizing)

	pkce, err := GeneratePKCE()
	if err != nil {
		return err
	}
	state, err := GenerateState()
	if err != nil {
		return err
	}

	scope := m.cfg.Scope
	if scope == "" && challenge != nil {
		scope = challenge.Scope
	}

	authURL, err := m.client.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint, clientID, redirectURI, state, scope, pkce)
	if err != nil {
		return err
	}

	slog.Info("Opening browser for authentication",
		"endpoint", tokenstore.NormalizeEndpoint(m.cfg.Endpoint),
		"issuer", metadata.Issuer)
	if err := m.cfg.OpenBrowser(authURL); err != nil {
		// The user can still paste the URL manually; the callback wait
		// below decides the outcome.
		slog.Warn("Could not open browser, authenticate manually", "url", authURL, "error", err)
	}

	result, err := srv.WaitForCallback(ctx)
	if err != nil {
		return fmt.Errorf("waiting for authorization callback: %w", err)
	}
	if result.IsError() {
		return fmt.Errorf("authorization failed: %s (%s)", result.Error, result.ErrorDescription)
	}
	if result.State != state {
		return fmt.Errorf("authorization response state mismatch")
	}
	if result.Code == "" {
		return fmt.Errorf("authorization response missing code")
	}

	m.setState(StateExchanging)

	token, err := m.client.ExchangeCode(ctx, metadata.TokenEndpoint,
		result.Code, redirectURI, clientID, clientSecret, pkce.CodeVerifier)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	rec := &tokenstore.Record{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.ExpiresAt,
		Scope:        token.Scope,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
	if registration != nil {
		rec.Registration = registration.Raw
	}
	if err := m.cfg.Store.Save(m.cfg.Endpoint, rec); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}

	m.mu.Lock()
	m.record = rec
	m.state = StateAuthenticated
	m.mu.Unlock()

	slog.Info("Authentication complete",
		"endpoint", tokenstore.NormalizeEndpoint(m.cfg.Endpoint),
		"expires_at", rec.ExpiresAt,
		"token", Redact(rec.AccessToken))
	return nil
}

// resolveClient picks the OAuth client credentials: static config first,
// then a previously persisted registration, then RFC 7591 dynamic
// registration when the server advertises it.
func (m *Manager) resolveClient(ctx context.Context, metadata *Metadata, redirectURI string) (clientID, clientSecret string, registration *ClientRegistration, err error) {
	if m.cfg.ClientID != "" {
		return m.cfg.ClientID, m.cfg.ClientSecret, nil, nil
	}

	if rec, lerr := m.cfg.Store.Load(m.cfg.Endpoint); lerr == nil && rec != nil && rec.ClientID != "" {
		return rec.ClientID, rec.ClientSecret, nil, nil
	}

	if metadata.RegistrationEndpoint == "" {
		return "", "", nil, fmt.Errorf("no client credentials configured and %s offers no registration endpoint", metadata.Issuer)
	}

	m.setState(StateRegistering)
	reg, err := m.client.Register(ctx, metadata.RegistrationEndpoint, m.cfg.ClientName, redirectURI, m.cfg.Scope)
	if err != nil {
		return "", "", nil, fmt.Errorf("dynamic client registration: %w", err)
	}
	return reg.ClientID, reg.ClientSecret, reg, nil
}

// Logout discards the stored credential.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.record = nil
	m.state = StateAnonymous
	m.mu.Unlock()
	return m.cfg.Store.Delete(m.cfg.Endpoint)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// issuerFromChallenge picks the discovery origin: the challenge's issuer
// when the remote named one, otherwise the endpoint's own origin.
func (m *Manager) issuerFromChallenge(challenge *AuthChallenge) string {
	if issuer := challenge.GetIssuer(); issuer != "" {
		return issuer
	}
	return endpointOrigin(m.cfg.Endpoint)
}

// issuer picks the discovery origin for refresh, where no challenge is
// at hand.
func (m *Manager) issuer(rec *tokenstore.Record) string {
	return endpointOrigin(m.cfg.Endpoint)
}

func endpointOrigin(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return tokenstore.NormalizeEndpoint(endpoint)
	}
	return u.Scheme + "://" + u.Host
}

// recordFromToken merges a token response over the prior record, keeping
// the refresh token when the server omits it from the response.
func (m *Manager) recordFromToken(token *Token, prior *tokenstore.Record) *tokenstore.Record {
	rec := &tokenstore.Record{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.ExpiresAt,
		Scope:        token.Scope,
		ClientID:     prior.ClientID,
		ClientSecret: prior.ClientSecret,
		Registration: prior.Registration,
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = prior.RefreshToken
	}
	if rec.Scope == "" {
		rec.Scope = prior.Scope
	}
	return rec
}
