package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/store"
)

// Engine maintains device and cross-signing trust on top of the store.
type Engine struct {
	store *store.Store
	log   *zap.Logger
}

// NewEngine creates a trust engine over the store.
func NewEngine(st *store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, log: logger}
}

// SetCrossSigningKeys replaces a user's cross-signing identity from a
// key-query response. A nil master or self-signing key disables
// cross-signing for the user and deletes the identity; a changed local key
// purges the slot's private material and resets local device trust (the
// cascade runs inside the store transaction).
func (e *Engine) SetCrossSigningKeys(userID string, master, selfSigning, userSigning *store.CrossSigningKey) error {
	return e.store.StoreCrossSigningKeys(userID, master, selfSigning, userSigning)
}

// MarkLocallyVerified records manual (legacy) verification of a device.
func (e *Engine) MarkLocallyVerified(userID, deviceID string) error {
	dev, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("trust: unknown device %s/%s", userID, deviceID)
	}
	return e.store.SetDeviceTrust(userID, deviceID, true, dev.CrossSignedVerified)
}

// TrustDevice records cross-signing verification of a device. The flag can
// only be set if the owning user's master key is itself trusted: trust is
// transitive from the local account.
func (e *Engine) TrustDevice(userID, deviceID string) error {
	trusted, err := e.IsUserTrusted(userID)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("trust: cannot cross-sign device of untrusted user %s", userID)
	}
	dev, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("trust: unknown device %s/%s", userID, deviceID)
	}
	return e.store.SetDeviceTrust(userID, deviceID, dev.LocallyVerified, true)
}

// DeviceTrust returns the trust level of a device. Unknown devices are
// fully unverified.
func (e *Engine) DeviceTrust(userID, deviceID string) (Level, error) {
	dev, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		return Level{}, err
	}
	if dev == nil {
		return Level{}, nil
	}
	return Level{
		LocallyVerified:      dev.LocallyVerified,
		CrossSigningVerified: dev.CrossSignedVerified,
	}, nil
}

// CrossSigningEnabled reports whether the local account has a cross-signing
// identity. Legacy mode is its absence.
func (e *Engine) CrossSigningEnabled() (bool, error) {
	id, err := e.store.GetCrossSigningIdentity(e.store.UserID())
	if err != nil {
		return false, err
	}
	return id != nil && id.MasterKey != nil, nil
}

// AccountTrustsOwnMasterKey reports whether the local user's own master key
// is trusted (verified or generated on this device).
func (e *Engine) AccountTrustsOwnMasterKey() (bool, error) {
	id, err := e.store.GetCrossSigningIdentity(e.store.UserID())
	if err != nil {
		return false, err
	}
	return id != nil && id.MasterKey != nil && id.MasterKey.Trusted, nil
}

// IsUserTrusted reports whether the user's cross-signing identity chain
// verifies from the local user's trusted master key: the local master key
// must be trusted, the local user-signing key must be signed by it, and the
// remote master key must be signed by the local user-signing key.
func (e *Engine) IsUserTrusted(userID string) (bool, error) {
	myID, err := e.store.GetCrossSigningIdentity(e.store.UserID())
	if err != nil {
		return false, err
	}
	if myID == nil || myID.MasterKey == nil || !myID.MasterKey.Trusted {
		return false, nil
	}

	if userID == e.store.UserID() {
		return true, nil
	}

	if myID.UserSigningKey == nil {
		return false, nil
	}
	if err := checkKeySignature(myID.UserSigningKey, myID.MasterKey); err != nil {
		e.log.Debug("user-signing key not signed by master key", zap.Error(err))
		return false, nil
	}

	theirID, err := e.store.GetCrossSigningIdentity(userID)
	if err != nil {
		return false, err
	}
	if theirID == nil || theirID.MasterKey == nil {
		return false, nil
	}
	if err := checkKeySignature(theirID.MasterKey, myID.UserSigningKey); err != nil {
		e.log.Debug("master key not signed by our user-signing key",
			zap.String("user_id", userID), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// UpdateUsersTrust re-evaluates master-key trust for every known user after
// a trust-affecting event such as a backup restore. The local user is
// skipped. A user who loses trust has the cross-signing flag cleared on all
// of their devices.
func (e *Engine) UpdateUsersTrust(predicate func(userID string) bool) error {
	users, err := e.store.KnownUsers()
	if err != nil {
		return err
	}
	for _, userID := range users {
		if userID == e.store.UserID() {
			continue
		}
		trusted := predicate(userID)
		if err := e.store.SetMasterKeyTrusted(userID, trusted); err != nil {
			return err
		}
		if trusted {
			continue
		}
		devs, err := e.store.GetUserDevices(userID)
		if err != nil {
			return err
		}
		for _, dev := range devs {
			if !dev.CrossSignedVerified {
				continue
			}
			if err := e.store.SetDeviceTrust(userID, dev.DeviceID, dev.LocallyVerified, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// signable is the canonical form a cross-signing key is signed over.
type signable struct {
	Keys   map[string]string `json:"keys"`
	Usage  []string          `json:"usage"`
	UserID string            `json:"user_id"`
}

// checkKeySignature verifies that key carries a valid signature by signer.
func checkKeySignature(key, signer *store.CrossSigningKey) error {
	sigs := key.Signatures[signer.UserID]
	if sigs == nil {
		return fmt.Errorf("trust: no signatures by %s", signer.UserID)
	}
	sigB64, ok := sigs["ed25519:"+signer.PublicKey]
	if !ok {
		return fmt.Errorf("trust: no signature by key %s", signer.PublicKey)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("trust: decode signature: %w", err)
	}
	pub, err := base64.RawStdEncoding.DecodeString(signer.PublicKey)
	if err != nil {
		return fmt.Errorf("trust: decode signer key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("trust: signer key is %d bytes", len(pub))
	}

	message, err := canonicalKeyJSON(key)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return fmt.Errorf("trust: signature verification failed")
	}
	return nil
}

// canonicalKeyJSON returns the canonical signed form of a cross-signing
// key: signatures and local flags stripped, fields in canonical order.
func canonicalKeyJSON(key *store.CrossSigningKey) ([]byte, error) {
	data, err := json.Marshal(signable{
		Keys:   map[string]string{"ed25519:" + key.PublicKey: key.PublicKey},
		Usage:  key.Usages,
		UserID: key.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("trust: canonical key json: %w", err)
	}
	return data, nil
}

// SignKey produces a signature entry for key under the given seed, as a
// (keyId, signature) pair. Used when the local account signs another user's
// master key or one of its own keys.
func SignKey(key *store.CrossSigningKey, signerUserID string, signerSeed []byte) (string, string, error) {
	if len(signerSeed) != ed25519.SeedSize {
		return "", "", fmt.Errorf("trust: signer seed is %d bytes", len(signerSeed))
	}
	priv := ed25519.NewKeyFromSeed(signerSeed)
	pub := base64.RawStdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))

	message, err := canonicalKeyJSON(key)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(priv, message)
	return "ed25519:" + pub, base64.RawStdEncoding.EncodeToString(sig), nil
}
