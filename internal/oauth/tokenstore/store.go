// Package tokenstore persists OAuth credentials and cross-process auth
// locks under a per-user directory, one file pair per remote endpoint.
//
// SECURITY: This store handles sensitive OAuth credentials. Token files
// are created with 0600 permissions, the directory with 0700, and token
// values are never logged (only endpoint URLs and expiry timestamps).
package tokenstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"golang.org/x/oauth2"
)

// expirySkew is the margin applied when checking token validity. A token
// inside this window counts as expired so callers refresh before the
// remote starts rejecting it.
const expirySkew = 60 * time.Second

// Record is the durable per-endpoint credential state: the token itself
// plus the client credentials that obtained it, so refresh and re-auth
// survive process restarts.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scope        string    `json:"scope,omitempty"`

	// ClientID and ClientSecret are the OAuth client credentials, either
	// statically configured or obtained by dynamic registration.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// Registration is the raw RFC 7591 registration response, kept so a
	// future flow can reuse the registered client.
	Registration json.RawMessage `json:"registration,omitempty"`

	// Endpoint is the normalized remote URL this record belongs to.
	Endpoint string `json:"endpoint"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the access token is present and not within the
// expiry skew. Records without an expiry never expire.
func (r *Record) Valid() bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(expirySkew).Before(r.ExpiresAt)
}

// ToOAuth2Token converts the record for use with golang.org/x/oauth2.
func (r *Record) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.ExpiresAt,
	}
}

// NormalizeEndpoint strips transport path suffixes and trailing slashes
// so every endpoint spelling maps to the same record.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSuffix(endpoint, "/")
	endpoint = strings.TrimSuffix(endpoint, "/mcp")
	endpoint = strings.TrimSuffix(endpoint, "/sse")
	return endpoint
}

// Store is the file-backed credential store. All methods are safe for
// concurrent use across processes: writes are temp-file-plus-rename and
// readers treat torn or corrupt files as absent.
type Store struct {
	dir string
}

// DefaultDir returns the per-user auth directory.
func DefaultDir() string {
	return filepath.Join(xdg.ConfigHome, "mcp-remote", "auth")
}

// New opens (and creates if needed) a store rooted at dir. An empty dir
// selects the default per-user location.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating auth directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Key returns the filesystem-safe identifier for an endpoint: the
// lowercase hex of the first half of its SHA-256 hash.
func Key(endpoint string) string {
	sum := sha256.Sum256([]byte(NormalizeEndpoint(endpoint)))
	return hex.EncodeToString(sum[:16])
}

func (s *Store) recordPath(endpoint string) string {
	return filepath.Join(s.dir, Key(endpoint)+".json")
}

// Load reads the record for an endpoint. Missing files return nil with
// no error. Corrupt files are deleted and also return nil, so a torn
// read by a concurrent writer degrades to "no token yet".
func (s *Store) Load(endpoint string) (*Record, error) {
	path := s.recordPath(endpoint)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading token record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("Deleting corrupt token record", "endpoint", NormalizeEndpoint(endpoint), "error", err)
		_ = os.Remove(path)
		return nil, nil
	}
	return &rec, nil
}

// Save writes the record atomically: marshal to a sibling temp file with
// 0600 permissions, then rename into place.
func (s *Store) Save(endpoint string, rec *Record) error {
	rec.Endpoint = NormalizeEndpoint(endpoint)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}

	path := s.recordPath(endpoint)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting token file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("installing token record: %w", err)
	}

	slog.Debug("Stored token record",
		"endpoint", rec.Endpoint,
		"expires_at", rec.ExpiresAt,
		"has_refresh_token", rec.RefreshToken != "")
	return nil
}

// Delete removes the record for an endpoint. Missing files are not an
// error.
func (s *Store) Delete(endpoint string) error {
	err := os.Remove(s.recordPath(endpoint))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
