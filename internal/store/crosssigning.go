package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CrossSigningKey is one public key of a user's cross-signing hierarchy,
// with the signatures uploaded for it and a local trust flag on the master
// slot.
type CrossSigningKey struct {
	UserID     string                       `json:"user_id"`
	Usages     []string                     `json:"usage"`
	PublicKey  string                       `json:"public_key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Trusted    bool                         `json:"trusted,omitempty"`
}

// CrossSigningIdentity is a user's full cross-signing hierarchy. Exactly one
// exists per user that has cross-signing enabled.
type CrossSigningIdentity struct {
	UserID         string
	MasterKey      *CrossSigningKey
	SelfSigningKey *CrossSigningKey
	UserSigningKey *CrossSigningKey
}

// Private cross-signing key slots for the local user.
const (
	SlotMaster      = "master"
	SlotSelfSigning = "self_signing"
	SlotUserSigning = "user_signing"
)

// StoreCrossSigningKeys replaces a user's cross-signing identity. A nil
// master or self-signing key means cross-signing is disabled for the user
// and deletes the identity. When one of the local user's master or
// self-signing public keys changes value, the locally held private key for
// that slot is purged and the local user's own devices are reset to
// unverified, except the active device whose local-verification flag is
// preserved.
func (s *Store) StoreCrossSigningKeys(userID string, master, selfSigning, userSigning *CrossSigningKey) error {
	return s.inTx(func(tx *sql.Tx) error {
		if master == nil || selfSigning == nil {
			if _, err := tx.Exec(
				"DELETE FROM cross_signing_identity WHERE user_id = ?", userID); err != nil {
				return fmt.Errorf("store: delete cross-signing identity: %w", err)
			}
			return nil
		}

		existing, err := loadCrossSigningIdentity(tx, userID)
		if err != nil {
			return err
		}

		resetLocalTrust := false
		isLocal := userID == s.userID

		if existing != nil && existing.MasterKey != nil && existing.MasterKey.PublicKey == master.PublicKey {
			// Key unchanged, keep the recorded trust.
			master.Trusted = existing.MasterKey.Trusted
		} else if isLocal && existing != nil {
			s.log.Info("master key changed for local user", zap.String("user_id", userID))
			resetLocalTrust = true
			if err := deletePrivateKeyTx(tx, SlotMaster); err != nil {
				return err
			}
		}

		if existing == nil || existing.SelfSigningKey == nil || existing.SelfSigningKey.PublicKey != selfSigning.PublicKey {
			if isLocal && existing != nil {
				s.log.Info("self-signing key changed for local user", zap.String("user_id", userID))
				resetLocalTrust = true
				if err := deletePrivateKeyTx(tx, SlotSelfSigning); err != nil {
					return err
				}
			}
		}

		if userSigning != nil {
			if existing == nil || existing.UserSigningKey == nil || existing.UserSigningKey.PublicKey != userSigning.PublicKey {
				if isLocal && existing != nil {
					s.log.Info("user-signing key changed for local user", zap.String("user_id", userID))
					resetLocalTrust = true
					if err := deletePrivateKeyTx(tx, SlotUserSigning); err != nil {
						return err
					}
				}
			}
		}

		masterJSON, err := json.Marshal(master)
		if err != nil {
			return fmt.Errorf("store: marshal master key: %w", err)
		}
		selfJSON, err := json.Marshal(selfSigning)
		if err != nil {
			return fmt.Errorf("store: marshal self-signing key: %w", err)
		}
		var userJSON []byte
		if userSigning != nil {
			userJSON, err = json.Marshal(userSigning)
			if err != nil {
				return fmt.Errorf("store: marshal user-signing key: %w", err)
			}
		}

		_, err = tx.Exec(
			`INSERT OR REPLACE INTO cross_signing_identity
			 (user_id, master_key, self_signing_key, user_signing_key)
			 VALUES (?, ?, ?, ?)`,
			userID, string(masterJSON), string(selfJSON), nullableString(userJSON))
		if err != nil {
			return fmt.Errorf("store: put cross-signing identity: %w", err)
		}

		if resetLocalTrust {
			// The active device keeps its stored local-verification flag by
			// construction: it is the one doing the reset.
			if _, err := tx.Exec(
				`UPDATE device SET cross_signed_verified = 0,
				        locally_verified = (device_id = ?)
				 WHERE user_id = ?`,
				s.deviceID, s.userID); err != nil {
				return fmt.Errorf("store: reset local device trust: %w", err)
			}
		}
		return nil
	})
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func loadCrossSigningIdentity(q interface {
	QueryRow(string, ...any) *sql.Row
}, userID string) (*CrossSigningIdentity, error) {
	var masterJSON, selfJSON sql.NullString
	var userJSON sql.NullString
	err := q.QueryRow(
		"SELECT master_key, self_signing_key, user_signing_key FROM cross_signing_identity WHERE user_id = ?",
		userID,
	).Scan(&masterJSON, &selfJSON, &userJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cross-signing identity: %w", err)
	}

	id := &CrossSigningIdentity{UserID: userID}
	for _, f := range []struct {
		raw  sql.NullString
		dest **CrossSigningKey
	}{
		{masterJSON, &id.MasterKey},
		{selfJSON, &id.SelfSigningKey},
		{userJSON, &id.UserSigningKey},
	} {
		if !f.raw.Valid || f.raw.String == "" {
			continue
		}
		key := &CrossSigningKey{}
		if err := json.Unmarshal([]byte(f.raw.String), key); err != nil {
			return nil, fmt.Errorf("store: unmarshal cross-signing key: %w", err)
		}
		*f.dest = key
	}
	return id, nil
}

// GetCrossSigningIdentity loads a user's cross-signing hierarchy.
// Returns nil, nil when cross-signing is disabled for the user.
func (s *Store) GetCrossSigningIdentity(userID string) (*CrossSigningIdentity, error) {
	return loadCrossSigningIdentity(s.db, userID)
}

// SetMasterKeyTrusted records whether the user's master key verifies from
// the local account's trust chain.
func (s *Store) SetMasterKeyTrusted(userID string, trusted bool) error {
	return s.inTx(func(tx *sql.Tx) error {
		id, err := loadCrossSigningIdentity(tx, userID)
		if err != nil {
			return err
		}
		if id == nil || id.MasterKey == nil {
			return nil
		}
		id.MasterKey.Trusted = trusted
		masterJSON, err := json.Marshal(id.MasterKey)
		if err != nil {
			return fmt.Errorf("store: marshal master key: %w", err)
		}
		_, err = tx.Exec(
			"UPDATE cross_signing_identity SET master_key = ? WHERE user_id = ?",
			string(masterJSON), userID)
		if err != nil {
			return fmt.Errorf("store: set master key trust: %w", err)
		}
		return nil
	})
}

// StorePrivateKey stores local private key material for a cross-signing slot.
func (s *Store) StorePrivateKey(slot string, seed []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cross_signing_private (slot, seed) VALUES (?, ?)", slot, seed)
	if err != nil {
		return fmt.Errorf("store: store private key: %w", err)
	}
	return nil
}

// GetPrivateKey returns the locally held private key material for a slot,
// or nil if absent.
func (s *Store) GetPrivateKey(slot string) ([]byte, error) {
	var seed []byte
	err := s.db.QueryRow(
		"SELECT seed FROM cross_signing_private WHERE slot = ?", slot).Scan(&seed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get private key: %w", err)
	}
	out := make([]byte, len(seed))
	copy(out, seed)
	return out, nil
}

func deletePrivateKeyTx(tx *sql.Tx, slot string) error {
	if _, err := tx.Exec("DELETE FROM cross_signing_private WHERE slot = ?", slot); err != nil {
		return fmt.Errorf("store: purge private key %s: %w", slot, err)
	}
	return nil
}
