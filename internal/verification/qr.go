package verification

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// QR payload modes.
const (
	qrModeCrossUser     byte = 0x00
	qrModeSelfTrusted   byte = 0x01
	qrModeSelfUntrusted byte = 0x02
)

const qrVersion byte = 0x02

// QRPayload builds the binary verification binding payload for a scannable
// code: magic, version, mode, transaction id, the two ed25519 keys being
// bound and a random shared secret. The scanning side proves possession of
// the secret to complete the binding.
func (e *Engine) QRPayload(otherUserID, otherDeviceID, transactionID string) ([]byte, error) {
	ownIdentity, err := e.store.GetCrossSigningIdentity(e.userID)
	if err != nil {
		return nil, err
	}

	var mode byte
	var firstKey, secondKey string
	if otherUserID == e.userID {
		if ownIdentity == nil || ownIdentity.MasterKey == nil {
			return nil, fmt.Errorf("verification: qr self-verify without cross-signing identity")
		}
		trusted, err := e.trust.AccountTrustsOwnMasterKey()
		if err != nil {
			return nil, err
		}
		if trusted {
			dev, err := e.store.GetDevice(otherUserID, otherDeviceID)
			if err != nil {
				return nil, err
			}
			if dev == nil || dev.SigningKey == "" {
				return nil, fmt.Errorf("verification: qr peer device %s unknown", otherDeviceID)
			}
			mode = qrModeSelfTrusted
			firstKey = ownIdentity.MasterKey.PublicKey
			secondKey = dev.SigningKey
		} else {
			fingerprint, err := e.ownFingerprint()
			if err != nil {
				return nil, err
			}
			mode = qrModeSelfUntrusted
			firstKey = fingerprint
			secondKey = ownIdentity.MasterKey.PublicKey
		}
	} else {
		theirIdentity, err := e.store.GetCrossSigningIdentity(otherUserID)
		if err != nil {
			return nil, err
		}
		if ownIdentity == nil || ownIdentity.MasterKey == nil ||
			theirIdentity == nil || theirIdentity.MasterKey == nil {
			return nil, fmt.Errorf("verification: qr cross-user needs both master keys")
		}
		mode = qrModeCrossUser
		firstKey = ownIdentity.MasterKey.PublicKey
		secondKey = theirIdentity.MasterKey.PublicKey
	}

	first, err := base64.RawStdEncoding.DecodeString(firstKey)
	if err != nil {
		return nil, fmt.Errorf("verification: qr first key: %w", err)
	}
	second, err := base64.RawStdEncoding.DecodeString(secondKey)
	if err != nil {
		return nil, fmt.Errorf("verification: qr second key: %w", err)
	}

	secret := make([]byte, 8)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("verification: qr secret: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("MATRIX")
	buf.WriteByte(qrVersion)
	buf.WriteByte(mode)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(transactionID))); err != nil {
		return nil, err
	}
	buf.WriteString(transactionID)
	buf.Write(first)
	buf.Write(second)
	buf.Write(secret)
	return buf.Bytes(), nil
}
