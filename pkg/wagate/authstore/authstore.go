// Package authstore persists per-session authentication material on disk.
// Each session id maps to one directory under the store root holding the
// whatsmeow credential database (session.db) plus a small identity snapshot
// (snapshot.json). The directory is the unit of existence: wiping it forces
// a fresh pairing, and a non-empty directory at startup marks the session
// as restorable.
//
// Directory-level races are expected: a logout or forced re-pairing may
// remove the directory while a credential write from the transport is in
// flight. Writes therefore recreate the location and retry a bounded number
// of times instead of assuming the creation lock alone protects them.
package authstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the credential store.
)

const (
	dbFile       = "session.db"
	snapshotFile = "snapshot.json"

	// saveAttempts bounds snapshot persistence retries when the location
	// vanishes mid-write.
	saveAttempts = 4
	// saveBackoff is the per-attempt linear backoff unit.
	saveBackoff = 200 * time.Millisecond
)

// ErrNoCredentials indicates the loaded location held no usable key material.
var ErrNoCredentials = errors.New("authstore: no credentials in store")

// Snapshot is the identity summary persisted alongside the key material.
// It is what the gateway re-persists on every credentials-changed event.
type Snapshot struct {
	JID       string    `json:"jid"`
	Platform  string    `json:"platform,omitempty"`
	PairedAt  time.Time `json:"paired_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credentials is the loaded authentication material for one session.
type Credentials struct {
	SessionID string
	Dir       string

	// Container is the opened whatsmeow credential container.
	Container *sqlstore.Container

	// Device is the device record the transport binds to. A fresh device
	// (no stored ID) means pairing is required.
	Device *store.Device

	// Snapshot is the parsed snapshot.json, nil if absent.
	Snapshot *Snapshot

	db *sql.DB
}

// Validate reports whether the credentials can be used to attempt a
// connection. A missing device or container is fatal; the returned slice
// names non-critical fields that are absent (log-worthy, not fatal).
func (c *Credentials) Validate() ([]string, error) {
	if c == nil || c.Container == nil {
		return nil, fmt.Errorf("%w: container not loaded", ErrNoCredentials)
	}
	if c.Device == nil {
		return nil, fmt.Errorf("%w: no device record", ErrNoCredentials)
	}
	var missing []string
	if c.Snapshot == nil {
		missing = append(missing, "snapshot")
	} else if c.Snapshot.JID == "" {
		missing = append(missing, "snapshot.jid")
	}
	if c.Device.ID == nil {
		missing = append(missing, "device.id")
	}
	return missing, nil
}

// Registered reports whether the device has completed pairing before.
func (c *Credentials) Registered() bool {
	return c != nil && c.Device != nil && c.Device.ID != nil
}

// Close releases the underlying database handle.
func (c *Credentials) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Store manages the per-session credential locations under one root.
type Store struct {
	root   string
	logger *slog.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("authstore: creating root %s: %w", dir, err)
	}
	return &Store{
		root:   dir,
		logger: logger.With("component", "authstore"),
		sleep:  time.Sleep,
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the location for a session id.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// EnsureLocation creates the session's location if it does not exist.
func (s *Store) EnsureLocation(sessionID string) error {
	if err := os.MkdirAll(s.Dir(sessionID), 0o700); err != nil {
		return fmt.Errorf("authstore: creating location for %s: %w", sessionID, err)
	}
	return nil
}

// IsMissing reports whether err means the storage location vanished —
// the one error class the caller retries with location recreation.
func IsMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "unable to open database file")
}

// Load opens the credential location for sessionID and returns the loaded
// material. The location is created if absent; a brand-new location yields
// a fresh unregistered device. Callers own Close on the result.
func (s *Store) Load(ctx context.Context, sessionID string) (*Credentials, error) {
	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("authstore: creating location: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", filepath.Join(dir, dbFile))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("authstore: opening credential db: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("authstore: migrating credential db: %w", err)
	}

	device, err := s.getDevice(ctx, container)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("authstore: loading device: %w", err)
	}

	creds := &Credentials{
		SessionID: sessionID,
		Dir:       dir,
		Container: container,
		Device:    device,
		Snapshot:  s.readSnapshot(sessionID),
		db:        db,
	}
	return creds, nil
}

// getDevice returns the stored device or a fresh one if none exists.
func (s *Store) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// readSnapshot parses snapshot.json if present. Corruption is logged, not
// fatal: the snapshot is advisory, the key material lives in session.db.
func (s *Store) readSnapshot(sessionID string) *Snapshot {
	data, err := os.ReadFile(filepath.Join(s.Dir(sessionID), snapshotFile))
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("authstore: unreadable snapshot", "session", sessionID, "error", err)
		return nil
	}
	return &snap
}

// ReadSnapshot returns the stored identity snapshot for a session, or
// nil when none exists.
func (s *Store) ReadSnapshot(sessionID string) (*Snapshot, error) {
	if _, err := os.Stat(filepath.Join(s.Dir(sessionID), snapshotFile)); err != nil {
		return nil, err
	}
	return s.readSnapshot(sessionID), nil
}

// SaveSnapshot persists the identity snapshot for a session. Tolerates the
// location vanishing mid-write by recreating it and retrying, bounded
// attempts; any other write error is returned immediately.
func (s *Store) SaveSnapshot(sessionID string, snap Snapshot) error {
	snap.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("authstore: encoding snapshot: %w", err)
	}

	path := filepath.Join(s.Dir(sessionID), snapshotFile)
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err := os.MkdirAll(s.Dir(sessionID), 0o700); err != nil {
			lastErr = err
			s.sleep(saveBackoff * time.Duration(attempt+1))
			continue
		}
		err := os.WriteFile(path, data, 0o600)
		if err == nil {
			return nil
		}
		if !IsMissing(err) {
			return fmt.Errorf("authstore: writing snapshot for %s: %w", sessionID, err)
		}
		lastErr = err
		s.logger.Warn("authstore: snapshot location vanished, recreating",
			"session", sessionID, "attempt", attempt+1, "error", err)
		s.sleep(saveBackoff * time.Duration(attempt+1))
	}
	return fmt.Errorf("authstore: persisting snapshot for %s after %d attempts: %w",
		sessionID, saveAttempts, lastErr)
}

// Delete removes the session's location entirely. Used by explicit logout
// and forced re-pairing, never by ordinary disconnects.
func (s *Store) Delete(sessionID string) error {
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("authstore: removing location for %s: %w", sessionID, err)
	}
	return nil
}

// Exists reports whether the session's location exists and is non-empty —
// the sole restorability signal at process startup.
func (s *Store) Exists(sessionID string) bool {
	entries, err := os.ReadDir(s.Dir(sessionID))
	return err == nil && len(entries) > 0
}

// Restorable lists session ids with non-empty locations, skipping
// directories parked as disabled or backup copies.
func (s *Store) Restorable() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("authstore: listing root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		lower := strings.ToLower(name)
		if strings.HasPrefix(name, ".") ||
			strings.Contains(lower, ".disabled") ||
			strings.Contains(lower, ".backup") {
			continue
		}
		if s.Exists(name) {
			ids = append(ids, name)
		}
	}
	return ids, nil
}
