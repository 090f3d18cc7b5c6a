package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// schemaVersion is the current schema. Migrations run sequentially from the
// stored version to this one; skipping a version is impossible.
const schemaVersion = 3

// Each migration is a pure function over the prior schema's raw records: it
// may only issue SQL against tables as they existed at that version, never
// call back into application code.
var migrations = []func(tx *sql.Tx) error{
	migrateV1,
	migrateV2,
	migrateV3,
}

func (s *Store) migrate() error {
	stored, err := s.getMetadata(metaSchemaVersion)
	if err != nil {
		return err
	}
	from := 0
	if stored != "" {
		from, err = strconv.Atoi(stored)
		if err != nil {
			return fmt.Errorf("store: bad schema version %q: %w", stored, err)
		}
	}
	if from > schemaVersion {
		return fmt.Errorf("store: schema version %d is newer than supported %d", from, schemaVersion)
	}

	for v := from + 1; v <= schemaVersion; v++ {
		err := s.inTx(func(tx *sql.Tx) error {
			if err := migrations[v-1](tx); err != nil {
				return fmt.Errorf("store: migration to v%d: %w", v, err)
			}
			_, err := tx.Exec(
				"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
				metaSchemaVersion, strconv.Itoa(v))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// migrateV1 creates the session and trust tables.
func migrateV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE olm_session (
	session_id TEXT NOT NULL,
	device_key TEXT NOT NULL,
	pickle BLOB NOT NULL,
	last_received_ts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, device_key)
);
CREATE TABLE megolm_inbound (
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	room_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	first_index INTEGER NOT NULL DEFAULT 0,
	backed_up INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, sender_key)
);
CREATE TABLE megolm_outbound (
	room_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	creation_ts INTEGER NOT NULL
);
CREATE TABLE device (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	identity_key TEXT NOT NULL DEFAULT '',
	signing_key TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	locally_verified INTEGER NOT NULL DEFAULT 0,
	cross_signed_verified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE cross_signing_identity (
	user_id TEXT PRIMARY KEY,
	master_key TEXT,
	self_signing_key TEXT,
	user_signing_key TEXT
);
CREATE TABLE cross_signing_private (
	slot TEXT PRIMARY KEY,
	seed BLOB NOT NULL
);
CREATE TABLE outgoing_key_request (
	request_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	recipients TEXT NOT NULL,
	requested_index INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	creation_ts INTEGER NOT NULL
);
CREATE TABLE key_request_reply (
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	event TEXT NOT NULL
);
CREATE INDEX idx_reply_request ON key_request_reply (request_id);
CREATE TABLE withheld_session (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	sender_key TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, session_id, algorithm)
);
CREATE TABLE shared_session (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	device_key TEXT NOT NULL,
	chain_index INTEGER NOT NULL
);
CREATE INDEX idx_shared_session ON shared_session (room_id, session_id);
`)
	return err
}

// migrateV2 adds shared-history tracking and per-room encryption settings.
func migrateV2(tx *sql.Tx) error {
	_, err := tx.Exec(`
ALTER TABLE megolm_inbound ADD COLUMN shared_history INTEGER NOT NULL DEFAULT 0;
ALTER TABLE megolm_outbound ADD COLUMN shared_history INTEGER NOT NULL DEFAULT 0;
CREATE TABLE room_settings (
	room_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL DEFAULT '',
	encrypt_for_invited INTEGER NOT NULL DEFAULT 0,
	share_history INTEGER NOT NULL DEFAULT 0,
	blacklist_unverified INTEGER NOT NULL DEFAULT 0
);
`)
	return err
}

// migrateV3 adds the audit trail and verification terminal-state markers.
func migrateV3(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE audit_trail (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	age_local_ts INTEGER NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	sender_key TEXT NOT NULL DEFAULT '',
	algorithm TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT ''
);
CREATE TABLE verification_marker (
	transaction_id TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	ts INTEGER NOT NULL
);
`)
	return err
}
