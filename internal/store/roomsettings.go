package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// RoomSettings holds a room's encryption configuration. Outbound group
// session creation snapshots ShareHistory; a later change to the setting
// does not rotate the existing session.
type RoomSettings struct {
	RoomID              string
	Algorithm           string
	EncryptForInvited   bool
	ShareHistory        bool
	BlacklistUnverified bool
}

// SetRoomSettings stores a room's encryption configuration, whole-record.
func (s *Store) SetRoomSettings(settings RoomSettings) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO room_settings
		 (room_id, algorithm, encrypt_for_invited, share_history, blacklist_unverified)
		 VALUES (?, ?, ?, ?, ?)`,
		settings.RoomID, settings.Algorithm, settings.EncryptForInvited,
		settings.ShareHistory, settings.BlacklistUnverified)
	if err != nil {
		return fmt.Errorf("store: set room settings: %w", err)
	}
	return nil
}

// GetRoomSettings loads a room's encryption configuration.
// Returns nil, nil if the room has none stored.
func (s *Store) GetRoomSettings(roomID string) (*RoomSettings, error) {
	settings := &RoomSettings{RoomID: roomID}
	err := s.db.QueryRow(
		`SELECT algorithm, encrypt_for_invited, share_history, blacklist_unverified
		 FROM room_settings WHERE room_id = ?`, roomID,
	).Scan(&settings.Algorithm, &settings.EncryptForInvited,
		&settings.ShareHistory, &settings.BlacklistUnverified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room settings: %w", err)
	}
	return settings, nil
}
