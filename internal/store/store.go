// Package store persists the crypto core's state: pairwise and group
// sessions, withheld and shared-session records, key requests, the audit
// trail, device identities and cross-signing material.
//
// All writes replace whole records. Reads return owned copies so callers
// never share backing state with the store. Multi-record mutations run in a
// single transaction, so invariants such as "at most one outbound group
// session per room" are never observed violated.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// ErrMigrationFailed wraps a schema migration error for a store whose
// identity matches the current account. Startup must halt rather than drop
// encryption state.
var ErrMigrationFailed = errors.New("store: schema migration failed")

// Store wraps the SQLite database holding all durable crypto state.
type Store struct {
	db       *sql.DB
	log      *zap.Logger
	userID   string
	deviceID string
}

// DefaultDataDir returns the default data directory for crypto stores.
// Uses $XDG_DATA_HOME/cryptocore, falling back to ~/.local/share/cryptocore.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "cryptocore")
}

// Open opens or creates a crypto store at dbPath, owned by the given
// account. If the store on disk belongs to a different (userId, deviceId)
// it is wiped and reinitialized empty. A migration failure on a store that
// matches the current account returns ErrMigrationFailed.
func Open(dbPath, userID, deviceID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "crypto.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	// WAL lets snapshot reads run alongside the single writer. Transactions
	// take the write lock up front (BEGIN IMMEDIATE) and the busy timeout
	// makes a second writer queue for it instead of failing with
	// SQLITE_BUSY; the pragmas ride on the DSN so every pooled connection
	// gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	s := &Store{db: db, log: logger, userID: userID, deviceID: deviceID}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create metadata table: %w", err)
	}

	storedUser, _ := s.getMetadata(metaUserID)
	storedDevice, _ := s.getMetadata(metaDeviceID)
	identityMatches := storedUser == s.userID && storedDevice == s.deviceID

	if storedUser != "" && !identityMatches {
		s.log.Warn("store identity mismatch, wiping",
			zap.String("stored_user", storedUser),
			zap.String("current_user", s.userID))
		if err := s.wipe(); err != nil {
			return err
		}
	}

	if err := s.migrate(); err != nil {
		if storedUser != "" && identityMatches {
			// Never silently drop encryption state for the active account.
			return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		// Fresh or foreign store: reinitialize from empty.
		s.log.Warn("migration failed on non-matching store, reinitializing", zap.Error(err))
		if err := s.wipe(); err != nil {
			return err
		}
		if err := s.migrate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
	}

	if err := s.setMetadata(metaUserID, s.userID); err != nil {
		return err
	}
	return s.setMetadata(metaDeviceID, s.deviceID)
}

// wipe drops every table except metadata and clears metadata itself.
func (s *Store) wipe() error {
	rows, err := s.db.Query(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Errorf("store: list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate tables: %w", err)
	}

	for _, name := range tables {
		if name == "metadata" {
			continue
		}
		if _, err := s.db.Exec("DROP TABLE " + name); err != nil {
			return fmt.Errorf("store: drop %s: %w", name, err)
		}
	}
	if _, err := s.db.Exec("DELETE FROM metadata"); err != nil {
		return fmt.Errorf("store: clear metadata: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UserID returns the account user id the store belongs to.
func (s *Store) UserID() string { return s.userID }

// DeviceID returns the account device id the store belongs to.
func (s *Store) DeviceID() string { return s.deviceID }

// inTx runs fn inside a write transaction. The connection's _txlock setting
// makes Begin issue BEGIN IMMEDIATE, so concurrent callers serialize on the
// write lock rather than racing to a SQLITE_BUSY at first write.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Metadata keys.
const (
	metaSchemaVersion   = "schema_version"
	metaUserID          = "user_id"
	metaDeviceID        = "device_id"
	metaBackupVersion   = "backup_version"
	metaGlobalBlacklist = "blacklist_unverified_devices"
)

func (s *Store) getMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setMetadata(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// SetGlobalBlacklistUnverifiedDevices toggles the account-wide policy of
// refusing to share keys with unverified devices.
func (s *Store) SetGlobalBlacklistUnverifiedDevices(blacklist bool) error {
	v := "0"
	if blacklist {
		v = "1"
	}
	return s.setMetadata(metaGlobalBlacklist, v)
}

// GlobalBlacklistUnverifiedDevices reports the account-wide blacklist policy.
func (s *Store) GlobalBlacklistUnverifiedDevices() (bool, error) {
	v, err := s.getMetadata(metaGlobalBlacklist)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}
