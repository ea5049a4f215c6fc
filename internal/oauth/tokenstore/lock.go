package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultLockMaxAge is how old a lock may grow before any process may
// reap it, matching the default interactive auth timeout.
const DefaultLockMaxAge = 5 * time.Minute

// LockRecord is the on-disk representation of an in-progress interactive
// auth flow. Another process seeing a live lock waits for the owner to
// produce a token instead of racing it to the browser.
type LockRecord struct {
	// PID is the owning process.
	PID int `json:"pid"`

	// Port is the owner's OAuth callback port.
	Port int `json:"port"`

	// Owner distinguishes lock instances beyond pid reuse.
	Owner string `json:"owner"`

	// CreatedAt bounds the lock's lifetime.
	CreatedAt time.Time `json:"created_at"`
}

// Stale reports whether the lock may be reaped: its owner is dead or the
// record is older than maxAge.
func (l *LockRecord) Stale(maxAge time.Duration) bool {
	if time.Since(l.CreatedAt) > maxAge {
		return true
	}
	alive, err := process.PidExists(int32(l.PID))
	if err != nil {
		// Can't tell; err on the side of waiting.
		return false
	}
	return !alive
}

// BusyError means another live process holds the auth lock for the
// endpoint. Callers should wait for that process to finish.
type BusyError struct {
	Endpoint string
	Owner    LockRecord
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("auth flow for %s already running (pid %d, callback port %d)",
		e.Endpoint, e.Owner.PID, e.Owner.Port)
}

// LockHandle identifies a held lock for release.
type LockHandle struct {
	store    *Store
	endpoint string
	owner    string
	released bool
}

func (s *Store) lockPath(endpoint string) string {
	return filepath.Join(s.dir, Key(endpoint)+".lock.json")
}

// AcquireLock claims the per-endpoint auth lock, recording this process
// and its callback port. A live foreign lock fails fast with *BusyError;
// a stale one is reaped and the claim retried once.
func (s *Store) AcquireLock(endpoint string, callbackPort int, maxAge time.Duration) (*LockHandle, error) {
	if maxAge <= 0 {
		maxAge = DefaultLockMaxAge
	}

	rec := LockRecord{
		PID:       os.Getpid(),
		Port:      callbackPort,
		Owner:     uuid.NewString(),
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	path := s.lockPath(endpoint)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing lock record: %w", errors.Join(werr, cerr))
			}
			slog.Debug("Acquired auth lock",
				"endpoint", NormalizeEndpoint(endpoint), "callback_port", callbackPort)
			return &LockHandle{store: s, endpoint: endpoint, owner: rec.Owner}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		existing, rerr := s.readLock(path)
		if rerr != nil {
			// Unreadable lock counts as stale.
			os.Remove(path)
			continue
		}
		if existing.Stale(maxAge) {
			slog.Info("Reaping stale auth lock",
				"endpoint", NormalizeEndpoint(endpoint),
				"pid", existing.PID,
				"age", time.Since(existing.CreatedAt).Round(time.Second))
			os.Remove(path)
			continue
		}
		return nil, &BusyError{Endpoint: NormalizeEndpoint(endpoint), Owner: *existing}
	}
	return nil, fmt.Errorf("could not acquire auth lock for %s", NormalizeEndpoint(endpoint))
}

// PeekLock returns the current lock record, nil when none (or unreadable).
func (s *Store) PeekLock(endpoint string) *LockRecord {
	rec, err := s.readLock(s.lockPath(endpoint))
	if err != nil {
		return nil
	}
	return rec
}

func (s *Store) readLock(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Release removes the lock if this handle still owns it. Calling it more
// than once, or after another process reaped the lock, is harmless.
func (h *LockHandle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	path := h.store.lockPath(h.endpoint)
	rec, err := h.store.readLock(path)
	if err != nil {
		return nil
	}
	if rec.Owner != h.owner {
		// Someone reaped us and took over; leave their lock alone.
		return nil
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
