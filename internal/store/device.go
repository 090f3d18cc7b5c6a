package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// DeviceIdentity is a stored device and its verification flags. The two
// flags are independent facts; combining them into a display decision is the
// trust engine's job.
type DeviceIdentity struct {
	UserID              string
	DeviceID            string
	IdentityKey         string // curve25519
	SigningKey          string // ed25519 fingerprint
	DisplayName         string
	LocallyVerified     bool
	CrossSignedVerified bool
}

// PutDevice inserts or updates a device from a key-query response. The
// verification flags of an existing row are preserved; a brand new device
// starts unverified.
func (s *Store) PutDevice(dev DeviceIdentity) error {
	return s.inTx(func(tx *sql.Tx) error {
		var locally, crossSigned bool
		err := tx.QueryRow(
			"SELECT locally_verified, cross_signed_verified FROM device WHERE user_id = ? AND device_id = ?",
			dev.UserID, dev.DeviceID,
		).Scan(&locally, &crossSigned)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: check device: %w", err)
		}
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO device
			 (user_id, device_id, identity_key, signing_key, display_name, locally_verified, cross_signed_verified)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			dev.UserID, dev.DeviceID, dev.IdentityKey, dev.SigningKey, dev.DisplayName,
			locally, crossSigned)
		if err != nil {
			return fmt.Errorf("store: put device: %w", err)
		}
		return nil
	})
}

// GetDevice loads one device. Returns nil, nil if unknown.
func (s *Store) GetDevice(userID, deviceID string) (*DeviceIdentity, error) {
	dev := &DeviceIdentity{UserID: userID, DeviceID: deviceID}
	err := s.db.QueryRow(
		`SELECT identity_key, signing_key, display_name, locally_verified, cross_signed_verified
		 FROM device WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	).Scan(&dev.IdentityKey, &dev.SigningKey, &dev.DisplayName,
		&dev.LocallyVerified, &dev.CrossSignedVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device: %w", err)
	}
	return dev, nil
}

// GetUserDevices lists all known devices for a user.
func (s *Store) GetUserDevices(userID string) ([]*DeviceIdentity, error) {
	rows, err := s.db.Query(
		`SELECT device_id, identity_key, signing_key, display_name, locally_verified, cross_signed_verified
		 FROM device WHERE user_id = ? ORDER BY device_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var devs []*DeviceIdentity
	for rows.Next() {
		dev := &DeviceIdentity{UserID: userID}
		if err := rows.Scan(&dev.DeviceID, &dev.IdentityKey, &dev.SigningKey,
			&dev.DisplayName, &dev.LocallyVerified, &dev.CrossSignedVerified); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devs = append(devs, dev)
	}
	return devs, rows.Err()
}

// DeleteDevice removes a device, for example after a device removal in a
// key-query response.
func (s *Store) DeleteDevice(userID, deviceID string) error {
	_, err := s.db.Exec(
		"DELETE FROM device WHERE user_id = ? AND device_id = ?", userID, deviceID)
	if err != nil {
		return fmt.Errorf("store: delete device: %w", err)
	}
	return nil
}

// SetDeviceTrust updates both verification flags of a device.
func (s *Store) SetDeviceTrust(userID, deviceID string, locallyVerified, crossSignedVerified bool) error {
	_, err := s.db.Exec(
		"UPDATE device SET locally_verified = ?, cross_signed_verified = ? WHERE user_id = ? AND device_id = ?",
		locallyVerified, crossSignedVerified, userID, deviceID)
	if err != nil {
		return fmt.Errorf("store: set device trust: %w", err)
	}
	return nil
}

// KnownUsers lists every user with at least one stored device or a stored
// cross-signing identity.
func (s *Store) KnownUsers() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM device
		 UNION SELECT user_id FROM cross_signing_identity ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("store: known users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
