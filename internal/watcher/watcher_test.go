package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpremote/internal/oauth/tokenstore"
)

func TestWaitForTokenAlreadyPresent(t *testing.T) {
	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("https://remote.example.com", &tokenstore.Record{
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	rec, err := WaitForToken(context.Background(), store, "https://remote.example.com", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "at", rec.AccessToken)
}

func TestWaitForTokenAppearsLater(t *testing.T) {
	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)

	go func() {
		time.Sleep(300 * time.Millisecond)
		store.Save("https://remote.example.com", &tokenstore.Record{
			AccessToken: "late",
			ExpiresAt:   time.Now().Add(time.Hour),
		})
	}()

	start := time.Now()
	rec, err := WaitForToken(context.Background(), store, "https://remote.example.com", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", rec.AccessToken)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForTokenTimesOut(t *testing.T) {
	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)

	_, err = WaitForToken(context.Background(), store, "https://remote.example.com", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForTokenIgnoresExpired(t *testing.T) {
	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("https://remote.example.com", &tokenstore.Record{
		AccessToken: "old",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))

	_, err = WaitForToken(context.Background(), store, "https://remote.example.com", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
