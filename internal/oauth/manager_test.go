package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpremote/internal/oauth/tokenstore"
)

// fakeIdP is a minimal authorization server: discovery, registration and
// token endpoints backed by httptest.
type fakeIdP struct {
	srv          *httptest.Server
	tokenCalls   atomic.Int32
	refreshGrant string
	refreshCode  int
	refreshDelay time.Duration
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{refreshCode: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Metadata{
			Issuer:                idp.srv.URL,
			AuthorizationEndpoint: idp.srv.URL + "/authorize",
			TokenEndpoint:         idp.srv.URL + "/token",
			RegistrationEndpoint:  idp.srv.URL + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"client_id":"dyn-client"}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			require.NotEmpty(t, r.Form.Get("code_verifier"))
			json.NewEncoder(w).Encode(Token{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
			})
		case "refresh_token":
			if idp.refreshDelay > 0 {
				time.Sleep(idp.refreshDelay)
			}
			idp.refreshGrant = r.Form.Get("refresh_token")
			if idp.refreshCode != http.StatusOK {
				w.WriteHeader(idp.refreshCode)
				fmt.Fprint(w, `{"error":"invalid_grant"}`)
				return
			}
			json.NewEncoder(w).Encode(Token{
				AccessToken: "access-2",
				TokenType:   "Bearer",
				ExpiresIn:   3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

// approveBrowser simulates the user approving the consent screen: it
// follows the authorization URL's redirect_uri with a code.
func approveBrowser(t *testing.T) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		redirect := q.Get("redirect_uri")
		state := q.Get("state")

		go func() {
			cb := fmt.Sprintf("%s?code=auth-code&state=%s", redirect, url.QueryEscape(state))
			resp, err := http.Get(cb)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

func newTestManager(t *testing.T, idp *fakeIdP, mutate func(*ManagerConfig)) (*Manager, *tokenstore.Store) {
	t.Helper()
	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)

	cfg := ManagerConfig{
		Endpoint:    "https://remote.example.com/mcp",
		Store:       store,
		AuthTimeout: 10 * time.Second,
		OpenBrowser: approveBrowser(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, store
}

func TestManagerInteractiveFlow(t *testing.T) {
	idp := newFakeIdP(t)
	m, store := newTestManager(t, idp, nil)

	challenge := &AuthChallenge{Scheme: "Bearer", Realm: idp.srv.URL, Issuer: idp.srv.URL}
	require.NoError(t, m.Authenticate(context.Background(), challenge))
	assert.Equal(t, StateAuthenticated, m.State())

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	// The flow registered dynamically and persisted everything.
	rec, err := store.Load("https://remote.example.com/mcp")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "dyn-client", rec.ClientID)
	assert.Equal(t, "refresh-1", rec.RefreshToken)

	// The lock was released on success.
	assert.Nil(t, store.PeekLock("https://remote.example.com/mcp"))
}

func TestManagerStaticClientSkipsRegistration(t *testing.T) {
	idp := newFakeIdP(t)
	m, store := newTestManager(t, idp, func(cfg *ManagerConfig) {
		cfg.ClientID = "static-client"
	})

	challenge := &AuthChallenge{Scheme: "Bearer", Issuer: idp.srv.URL}
	require.NoError(t, m.Authenticate(context.Background(), challenge))

	rec, err := store.Load("https://remote.example.com/mcp")
	require.NoError(t, err)
	assert.Equal(t, "static-client", rec.ClientID)
}

func TestManagerRefresh(t *testing.T) {
	idp := newFakeIdP(t)

	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(idp.srv.URL, &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ClientID:     "dyn-client",
		ExpiresAt:    time.Now().Add(10 * time.Second), // inside the skew
	}))

	m, err := NewManager(ManagerConfig{Endpoint: idp.srv.URL, Store: store})
	require.NoError(t, err)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, "refresh-1", idp.refreshGrant)

	// The refresh response had no refresh_token; the old one is kept.
	rec, err := store.Load(idp.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", rec.RefreshToken)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestManagerRefreshRejectedRequiresInteractive(t *testing.T) {
	idp := newFakeIdP(t)
	idp.refreshCode = http.StatusBadRequest

	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(idp.srv.URL, &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ClientID:     "dyn-client",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}))

	m, err := NewManager(ManagerConfig{Endpoint: idp.srv.URL, Store: store})
	require.NoError(t, err)

	_, err = m.Token(context.Background())
	assert.ErrorIs(t, err, ErrInteractiveAuthRequired)

	// The dead credential was discarded.
	rec, err := store.Load(idp.srv.URL)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManagerBearerAnonymousWhenNoToken(t *testing.T) {
	m, _ := newTestManager(t, newFakeIdP(t), nil)

	token, err := m.Bearer()(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token, "no credential means anonymous, not an error")
}

func TestManagerAuthenticateReusesForeignToken(t *testing.T) {
	idp := newFakeIdP(t)
	m, store := newTestManager(t, idp, func(cfg *ManagerConfig) {
		cfg.OpenBrowser = func(string) error {
			t.Fatal("browser must not open when a token already exists")
			return nil
		}
	})

	// Another process already produced a token.
	require.NoError(t, store.Save("https://remote.example.com/mcp", &tokenstore.Record{
		AccessToken: "foreign",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	challenge := &AuthChallenge{Scheme: "Bearer", Issuer: idp.srv.URL}
	require.NoError(t, m.Authenticate(context.Background(), challenge))

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "foreign", token)
}

func TestManagerAuthenticateTakesOverAbandonedLock(t *testing.T) {
	idp := newFakeIdP(t)
	m, store := newTestManager(t, idp, func(cfg *ManagerConfig) {
		cfg.AuthTimeout = 500 * time.Millisecond
	})

	// A live process claimed the lock but never produces a token.
	lockData, err := json.Marshal(tokenstore.LockRecord{
		PID:       os.Getpid(),
		Port:      19999,
		Owner:     "abandoned-instance",
		CreatedAt: time.Now().Add(-300 * time.Millisecond),
	})
	require.NoError(t, err)
	lockName := tokenstore.Key("https://remote.example.com/mcp") + ".lock.json"
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), lockName), lockData, 0600))

	challenge := &AuthChallenge{Scheme: "Bearer", Issuer: idp.srv.URL}
	start := time.Now()
	require.NoError(t, m.Authenticate(context.Background(), challenge))

	// The busy path was taken: a full wait elapsed before the takeover,
	// and the flow still completed afterwards on its own deadline.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, StateAuthenticated, m.State())

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	assert.Nil(t, store.PeekLock("https://remote.example.com/mcp"))
}

func TestManagerConcurrentRefreshSingleFlight(t *testing.T) {
	idp := newFakeIdP(t)
	idp.refreshDelay = 200 * time.Millisecond

	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(idp.srv.URL, &tokenstore.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ClientID:     "dyn-client",
		ExpiresAt:    time.Now().Add(10 * time.Second), // inside the skew
	}))

	m, err := NewManager(ManagerConfig{Endpoint: idp.srv.URL, Store: store})
	require.NoError(t, err)

	const callers = 8
	gate := make(chan struct{})
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", tokens[i])
	}
	assert.EqualValues(t, 1, idp.tokenCalls.Load(),
		"concurrent refreshes must collapse into one token request")
}

func TestManagerOAuth2Token(t *testing.T) {
	m, store := newTestManager(t, newFakeIdP(t), nil)

	// A record persisted without an explicit token_type.
	require.NoError(t, store.Save("https://remote.example.com/mcp", &tokenstore.Record{
		AccessToken:  "access-x",
		RefreshToken: "refresh-x",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	tok, err := m.OAuth2Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-x", tok.AccessToken)
	assert.Equal(t, "refresh-x", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.True(t, tok.Valid())
}

func TestManagerStateMismatchFails(t *testing.T) {
	idp := newFakeIdP(t)
	m, _ := newTestManager(t, idp, func(cfg *ManagerConfig) {
		cfg.AuthTimeout = 3 * time.Second
		cfg.OpenBrowser = func(authURL string) error {
			u, _ := url.Parse(authURL)
			redirect := u.Query().Get("redirect_uri")
			go func() {
				resp, err := http.Get(redirect + "?code=auth-code&state=wrong")
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		}
	})

	challenge := &AuthChallenge{Scheme: "Bearer", Issuer: idp.srv.URL}
	err := m.Authenticate(context.Background(), challenge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
	assert.Equal(t, StateFailed, m.State())
}
