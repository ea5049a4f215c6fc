package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &Record{
		AccessToken:  "at-secret",
		RefreshToken: "rt-secret",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scope:        "openid",
		ClientID:     "client-1",
	}
	require.NoError(t, s.Save("https://remote.example.com/mcp", rec))

	got, err := s.Load("https://remote.example.com/mcp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at-secret", got.AccessToken)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "https://remote.example.com", got.Endpoint)
	assert.True(t, got.Valid())
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Load("https://nothing.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreDeletesCorruptRecord(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(s.Dir(), Key("https://broken.example.com")+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	got, err := s.Load("https://broken.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt file removed")
}

func TestStoreFilePermissions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("https://remote.example.com", &Record{AccessToken: "x"}))

	info, err := os.Stat(filepath.Join(s.Dir(), Key("https://remote.example.com")+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEndpointNormalization(t *testing.T) {
	base := Key("https://remote.example.com")
	assert.Equal(t, base, Key("https://remote.example.com/"))
	assert.Equal(t, base, Key("https://remote.example.com/mcp"))
	assert.Equal(t, base, Key("https://remote.example.com/sse"))
	assert.NotEqual(t, base, Key("https://other.example.com"))
}

func TestRecordValidity(t *testing.T) {
	assert.False(t, (&Record{}).Valid(), "no access token")
	assert.True(t, (&Record{AccessToken: "x"}).Valid(), "no expiry never expires")
	assert.False(t, (&Record{AccessToken: "x", ExpiresAt: time.Now().Add(30 * time.Second)}).Valid(),
		"inside the refresh skew")
	assert.True(t, (&Record{AccessToken: "x", ExpiresAt: time.Now().Add(10 * time.Minute)}).Valid())
}

func TestAcquireLockConflict(t *testing.T) {
	s := newTestStore(t)

	h, err := s.AcquireLock("https://remote.example.com", 3000, 0)
	require.NoError(t, err)

	_, err = s.AcquireLock("https://remote.example.com", 3001, 0)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 3000, busy.Owner.Port)
	assert.Equal(t, os.Getpid(), busy.Owner.PID)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "release is idempotent")

	h2, err := s.AcquireLock("https://remote.example.com", 3001, 0)
	require.NoError(t, err)
	require.NoError(t, h2.Release())
}

func TestAcquireLockReapsStale(t *testing.T) {
	s := newTestStore(t)

	h, err := s.AcquireLock("https://remote.example.com", 3000, 0)
	require.NoError(t, err)
	defer h.Release()

	// Backdate the lock past the max age.
	path := filepath.Join(s.Dir(), Key("https://remote.example.com")+".lock.json")
	rec := s.PeekLock("https://remote.example.com")
	require.NotNil(t, rec)
	rec.CreatedAt = time.Now().Add(-10 * time.Minute)
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	h2, err := s.AcquireLock("https://remote.example.com", 3001, 5*time.Minute)
	require.NoError(t, err, "stale lock reaped")
	require.NoError(t, h2.Release())

	// The original handle no longer owns the lock; release must not
	// remove the newer owner's file had there been one.
	require.NoError(t, h.Release())
}

func TestLockStaleOnDeadPID(t *testing.T) {
	rec := &LockRecord{PID: 1 << 30, CreatedAt: time.Now()}
	assert.True(t, rec.Stale(5*time.Minute), "nonexistent pid is stale")

	live := &LockRecord{PID: os.Getpid(), CreatedAt: time.Now()}
	assert.False(t, live.Stale(5*time.Minute))
}
